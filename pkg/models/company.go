package models

// Company groups invoices that share an extraction prompt.
type Company struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt Timestamp `json:"created_at"`
	UpdatedAt Timestamp `json:"updated_at"`
}

// CompanyPrompt is one stored version of a company's extraction prompt.
// The backend keeps exactly one default version per company.
type CompanyPrompt struct {
	ID         int64     `json:"id"`
	CompanyID  int64     `json:"company_id"`
	Version    int       `json:"version"`
	PromptPath string    `json:"prompt_path"`
	IsDefault  bool      `json:"is_default"`
	CreatedAt  Timestamp `json:"created_at"`
}

// DefaultPrompt returns the prompt flagged as default, or nil.
func DefaultPrompt(prompts []CompanyPrompt) *CompanyPrompt {
	for i := range prompts {
		if prompts[i].IsDefault {
			return &prompts[i]
		}
	}
	return nil
}
