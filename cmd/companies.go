package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"invoicedesk/internal/logger"
	"invoicedesk/pkg/models"
)

var companiesCmd = &cobra.Command{
	Use:     "companies",
	Aliases: []string{"company"},
	Short:   "Manage companies and their extraction prompts",
	Long: `Companies group invoices that share an OCR extraction prompt. Every prompt
change is stored as a new version; exactly one version is the default.`,
}

var companiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List companies",
	Args:  cobra.NoArgs,
	RunE:  runCompaniesList,
}

var companiesShowCmd = &cobra.Command{
	Use:   "show <company-id>",
	Short: "Show a company and its prompt versions",
	Args:  cobra.ExactArgs(1),
	RunE:  runCompaniesShow,
}

var companiesCreateCmd = &cobra.Command{
	Use:     "create <name>",
	Short:   "Create a company",
	Example: `  invoicedesk companies create "ACME Media"`,
	Args:    cobra.ExactArgs(1),
	RunE:    runCompaniesCreate,
}

var companiesPromptsCmd = &cobra.Command{
	Use:   "prompts <company-id>",
	Short: "List the prompt versions of a company",
	Args:  cobra.ExactArgs(1),
	RunE:  runCompaniesPrompts,
}

var companiesPromptContentCmd = &cobra.Command{
	Use:   "prompt-content <company-id> [prompt-id]",
	Short: "Print the text of a prompt version (default: the default version)",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runCompaniesPromptContent,
}

var companiesSetPromptCmd = &cobra.Command{
	Use:   "set-prompt <company-id>",
	Short: "Store a new prompt version and make it the default",
	Example: `  invoicedesk companies set-prompt 3 --file prompt.txt
  cat prompt.txt | invoicedesk companies set-prompt 3 --file -`,
	Args: cobra.ExactArgs(1),
	RunE: runCompaniesSetPrompt,
}

var companiesSetDefaultCmd = &cobra.Command{
	Use:   "set-default <company-id> <prompt-id>",
	Short: "Make an existing prompt version the default",
	Args:  cobra.ExactArgs(2),
	RunE:  runCompaniesSetDefault,
}

func init() {
	rootCmd.AddCommand(companiesCmd)
	companiesCmd.AddCommand(
		companiesListCmd,
		companiesShowCmd,
		companiesCreateCmd,
		companiesPromptsCmd,
		companiesPromptContentCmd,
		companiesSetPromptCmd,
		companiesSetDefaultCmd,
	)

	companiesSetPromptCmd.Flags().String("file", "", "File with the prompt text, - for stdin [REQUIRED]")
	_ = companiesSetPromptCmd.MarkFlagRequired("file")
}

func runCompaniesList(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("companies")

	ctx, cancel := createCommandContext(0, log)
	defer cancel()
	a, err := newApp(ctx, cmd, log)
	if err != nil {
		return handleCommandError(err, log)
	}
	defer a.Close()

	companies, err := a.client.ListCompanies(ctx)
	if err != nil {
		return handleCommandError(err, log)
	}
	if wantJSON(cmd) {
		return outputJSON(cmd, companies, log)
	}

	if len(companies) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("No companies yet."))
		return nil
	}
	t := newTable("ID", "NAME", "CREATED", "UPDATED")
	for _, c := range companies {
		t.Row(strconv.FormatInt(c.ID, 10), c.Name, c.CreatedAt.Display(), c.UpdatedAt.Display())
	}
	printTable(cmd.OutOrStdout(), t)
	return nil
}

// CompanyOutput is the JSON form of companies show.
type CompanyOutput struct {
	Company *models.Company        `json:"company"`
	Prompts []models.CompanyPrompt `json:"prompts"`
}

func runCompaniesShow(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("companies")

	ids, err := parseIDs(args)
	if err != nil {
		return err
	}

	ctx, cancel := createCommandContext(0, log)
	defer cancel()
	a, err := newApp(ctx, cmd, log)
	if err != nil {
		return handleCommandError(err, log)
	}
	defer a.Close()

	company, err := a.client.GetCompany(ctx, ids[0])
	if err != nil {
		return handleCommandError(err, log)
	}
	prompts, err := a.client.ListCompanyPrompts(ctx, ids[0])
	if err != nil {
		return handleCommandError(err, log)
	}

	if wantJSON(cmd) {
		return outputJSON(cmd, CompanyOutput{Company: company, Prompts: prompts}, log)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%s (#%d)", company.Name, company.ID)))
	fmt.Fprintf(out, "Created %s, updated %s\n\n", company.CreatedAt.Display(), company.UpdatedAt.Display())
	renderPrompts(out, prompts)
	return nil
}

func runCompaniesCreate(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("companies")

	ctx, cancel := createCommandContext(0, log)
	defer cancel()
	a, err := newApp(ctx, cmd, log)
	if err != nil {
		return handleCommandError(err, log)
	}
	defer a.Close()

	company, err := a.client.CreateCompany(ctx, args[0])
	if err != nil {
		return handleCommandError(err, log)
	}

	log.Info().
		Int64("company_id", company.ID).
		Str("name", company.Name).
		Msg("Company created")
	if wantJSON(cmd) {
		return outputJSON(cmd, company, log)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created company %q with id %d\n", company.Name, company.ID)
	return nil
}

func runCompaniesPrompts(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("companies")

	ids, err := parseIDs(args)
	if err != nil {
		return err
	}

	ctx, cancel := createCommandContext(0, log)
	defer cancel()
	a, err := newApp(ctx, cmd, log)
	if err != nil {
		return handleCommandError(err, log)
	}
	defer a.Close()

	prompts, err := a.client.ListCompanyPrompts(ctx, ids[0])
	if err != nil {
		return handleCommandError(err, log)
	}
	if wantJSON(cmd) {
		return outputJSON(cmd, prompts, log)
	}
	renderPrompts(cmd.OutOrStdout(), prompts)
	return nil
}

func runCompaniesPromptContent(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("companies")

	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	companyID := ids[0]

	ctx, cancel := createCommandContext(0, log)
	defer cancel()
	a, err := newApp(ctx, cmd, log)
	if err != nil {
		return handleCommandError(err, log)
	}
	defer a.Close()

	var promptID int64
	if len(ids) == 2 {
		promptID = ids[1]
	} else {
		prompts, err := a.client.ListCompanyPrompts(ctx, companyID)
		if err != nil {
			return handleCommandError(err, log)
		}
		def := models.DefaultPrompt(prompts)
		if def == nil {
			return fmt.Errorf("company %d has no default prompt", companyID)
		}
		promptID = def.ID
	}

	content, err := a.client.GetPromptContent(ctx, companyID, promptID)
	if err != nil {
		return handleCommandError(err, log)
	}
	if wantJSON(cmd) {
		return outputJSON(cmd, map[string]interface{}{"prompt_id": promptID, "content": content}, log)
	}
	fmt.Fprint(cmd.OutOrStdout(), content)
	if !strings.HasSuffix(content, "\n") {
		fmt.Fprintln(cmd.OutOrStdout())
	}
	return nil
}

func runCompaniesSetPrompt(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("companies")

	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("file")
	content, err := readPromptFile(cmd, path, log)
	if err != nil {
		return err
	}

	ctx, cancel := createCommandContext(0, log)
	defer cancel()
	a, err := newApp(ctx, cmd, log)
	if err != nil {
		return handleCommandError(err, log)
	}
	defer a.Close()

	prompt, err := a.client.UpdateCompanyPrompt(ctx, ids[0], content)
	if err != nil {
		return handleCommandError(err, log)
	}

	log.Info().
		Int64("company_id", ids[0]).
		Int("version", prompt.Version).
		Msg("Prompt version stored")
	if wantJSON(cmd) {
		return outputJSON(cmd, prompt, log)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored prompt version %d (id %d) as default\n", prompt.Version, prompt.ID)
	return nil
}

func runCompaniesSetDefault(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("companies")

	ids, err := parseIDs(args)
	if err != nil {
		return err
	}

	ctx, cancel := createCommandContext(0, log)
	defer cancel()
	a, err := newApp(ctx, cmd, log)
	if err != nil {
		return handleCommandError(err, log)
	}
	defer a.Close()

	prompts, err := a.client.SetDefaultPrompt(ctx, ids[0], ids[1])
	if err != nil {
		return handleCommandError(err, log)
	}
	if wantJSON(cmd) {
		return outputJSON(cmd, prompts, log)
	}
	renderPrompts(cmd.OutOrStdout(), prompts)
	return nil
}

func readPromptFile(cmd *cobra.Command, path string, log zerolog.Logger) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		log.Error().Err(err).Str("file", path).Msg("Failed to read prompt file")
		return "", fmt.Errorf("failed to read prompt file: %w", err)
	}
	return string(data), nil
}

func renderPrompts(w io.Writer, prompts []models.CompanyPrompt) {
	if len(prompts) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No prompt versions."))
		return
	}
	t := newTable("ID", "VERSION", "CREATED", "PATH", "DEFAULT")
	for _, p := range prompts {
		def := ""
		if p.IsDefault {
			def = highlightStyle.Render("default")
		}
		t.Row(strconv.FormatInt(p.ID, 10), strconv.Itoa(p.Version), p.CreatedAt.Display(), p.PromptPath, def)
	}
	printTable(w, t)
}
