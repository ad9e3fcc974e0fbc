package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"invoicedesk/pkg/models"
)

// ListCompanies returns every company.
func (c *Client) ListCompanies(ctx context.Context) ([]models.Company, error) {
	const op = "ListCompanies"

	var companies []models.Company
	if err := c.getJSON(ctx, op, "/api/companies/", nil, &companies, true); err != nil {
		return nil, err
	}
	return companies, nil
}

// GetCompany returns one company.
func (c *Client) GetCompany(ctx context.Context, id int64) (*models.Company, error) {
	const op = "GetCompany"

	var company models.Company
	if err := c.getJSON(ctx, op, companyPath(id), nil, &company, false); err != nil {
		return nil, err
	}
	return &company, nil
}

// CreateCompany registers a new company. Duplicate names fail with ErrConflict.
func (c *Client) CreateCompany(ctx context.Context, name string) (*models.Company, error) {
	const op = "CreateCompany"

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, newInvalidRequest(op, "company name must not be empty")
	}

	var company models.Company
	payload := map[string]string{"name": name}
	if err := c.sendJSON(ctx, op, http.MethodPost, "/api/companies/", payload, &company); err != nil {
		return nil, err
	}
	return &company, nil
}

// ListCompanyPrompts returns every stored prompt version of a company.
func (c *Client) ListCompanyPrompts(ctx context.Context, companyID int64) ([]models.CompanyPrompt, error) {
	const op = "ListCompanyPrompts"

	var prompts []models.CompanyPrompt
	if err := c.getJSON(ctx, op, companyPath(companyID)+"/prompts", nil, &prompts, false); err != nil {
		return nil, err
	}
	return prompts, nil
}

// GetPromptContent returns the text of one prompt version.
func (c *Client) GetPromptContent(ctx context.Context, companyID, promptID int64) (string, error) {
	const op = "GetPromptContent"

	var body struct {
		Content string `json:"content"`
	}
	path := companyPath(companyID) + "/prompts/" + strconv.FormatInt(promptID, 10) + "/content"
	if err := c.getJSON(ctx, op, path, nil, &body, false); err != nil {
		return "", err
	}
	return body.Content, nil
}

// UpdateCompanyPrompt stores content as a new prompt version and makes it the
// company default.
func (c *Client) UpdateCompanyPrompt(ctx context.Context, companyID int64, content string) (*models.CompanyPrompt, error) {
	const op = "UpdateCompanyPrompt"

	if strings.TrimSpace(content) == "" {
		return nil, newInvalidRequest(op, "prompt content must not be empty")
	}

	var prompt models.CompanyPrompt
	payload := map[string]string{"prompt_content": content}
	if err := c.sendJSON(ctx, op, http.MethodPut, companyPath(companyID)+"/prompt", payload, &prompt); err != nil {
		return nil, err
	}
	return &prompt, nil
}

// SetDefaultPrompt marks a prompt version as the company default and returns
// the refreshed prompt list, since the previous default changed server-side.
func (c *Client) SetDefaultPrompt(ctx context.Context, companyID, promptID int64) ([]models.CompanyPrompt, error) {
	const op = "SetDefaultPrompt"

	path := companyPath(companyID) + "/prompts/" + strconv.FormatInt(promptID, 10) + "/set_default"
	if err := c.sendJSON(ctx, op, http.MethodPost, path, nil, nil); err != nil {
		return nil, err
	}
	return c.ListCompanyPrompts(ctx, companyID)
}

func companyPath(id int64) string {
	return "/api/companies/" + strconv.FormatInt(id, 10)
}
