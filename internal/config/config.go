package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"tipline/internal/domain"
)

// Config models tipline.yml.
type Config struct {
	Node struct {
		Name                            string `yaml:"name"`
		EnableProofOfWork               bool   `yaml:"enable_proof_of_work"`
		EnableCaptcha                   bool   `yaml:"enable_captcha"`
		AllowUnencrypted                bool   `yaml:"allow_unencrypted"`
		ShowContextsInAlphabeticalOrder bool   `yaml:"show_contexts_in_alphabetical_order"`
	} `yaml:"node"`
	Submission struct {
		MinimumDelay  int    `yaml:"minimum_delay"`
		TokenLifetime string `yaml:"token_lifetime"`
		PowDifficulty int    `yaml:"pow_difficulty"`
		PowTimeout    string `yaml:"pow_timeout"`
	} `yaml:"submission"`
	Receivers []domain.Receiver `yaml:"receivers"`
	Contexts  []ContextConfig   `yaml:"contexts"`
}

// ContextConfig is the YAML shape of a context; steps use the yaml tags
// below rather than the API json tags.
type ContextConfig struct {
	ID                               string       `yaml:"id"`
	Name                             string       `yaml:"name"`
	Description                      string       `yaml:"description"`
	PresentationOrder                int          `yaml:"presentation_order"`
	ShowContext                      *bool        `yaml:"show_context"`
	MaximumSelectableReceivers       int          `yaml:"maximum_selectable_receivers"`
	ShowReceivers                    bool         `yaml:"show_receivers"`
	ShowReceiversInAlphabeticalOrder bool         `yaml:"show_receivers_in_alphabetical_order"`
	Receivers                        []string     `yaml:"receivers"`
	Steps                            []StepConfig `yaml:"steps"`
}

type StepConfig struct {
	ID     string        `yaml:"id"`
	Label  string        `yaml:"label"`
	Fields []FieldConfig `yaml:"fields"`
}

type FieldConfig struct {
	ID       string         `yaml:"id"`
	Label    string         `yaml:"label"`
	Type     string         `yaml:"type"`
	X        int            `yaml:"x"`
	Y        int            `yaml:"y"`
	Width    int            `yaml:"width"`
	Required bool           `yaml:"required"`
	Options  []OptionConfig `yaml:"options"`
	Children []FieldConfig  `yaml:"children"`
}

type OptionConfig struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
}

const (
	defaultTokenLifetime = time.Hour
	defaultPowTimeout    = 2 * time.Minute
	defaultPowDifficulty = 2
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Node.Name == "" {
		return fmt.Errorf("config.node.name is required")
	}
	if c.Submission.MinimumDelay < 0 {
		return fmt.Errorf("config.submission.minimum_delay must be >= 0")
	}
	if c.Submission.PowDifficulty < 0 || c.Submission.PowDifficulty > 4 {
		return fmt.Errorf("config.submission.pow_difficulty must be between 0 and 4")
	}
	if _, err := parseDuration(c.Submission.TokenLifetime, defaultTokenLifetime); err != nil {
		return fmt.Errorf("config.submission.token_lifetime: %w", err)
	}
	if _, err := parseDuration(c.Submission.PowTimeout, defaultPowTimeout); err != nil {
		return fmt.Errorf("config.submission.pow_timeout: %w", err)
	}
	receivers := map[string]bool{}
	for _, r := range c.Receivers {
		if r.ID == "" {
			return fmt.Errorf("config.receivers contains empty id")
		}
		if receivers[r.ID] {
			return fmt.Errorf("receiver %s defined twice", r.ID)
		}
		receivers[r.ID] = true
	}
	contexts := map[string]bool{}
	for _, ctx := range c.Contexts {
		if ctx.ID == "" {
			return fmt.Errorf("config.contexts contains empty id")
		}
		if contexts[ctx.ID] {
			return fmt.Errorf("context %s defined twice", ctx.ID)
		}
		contexts[ctx.ID] = true
		if ctx.MaximumSelectableReceivers < 0 {
			return fmt.Errorf("context %s has negative maximum_selectable_receivers", ctx.ID)
		}
		for _, rid := range ctx.Receivers {
			if !receivers[rid] {
				return fmt.Errorf("context %s references unknown receiver %s", ctx.ID, rid)
			}
		}
		for _, st := range ctx.Steps {
			if err := validateFields(ctx.ID, st.Fields); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateFields(contextID string, fields []FieldConfig) error {
	for _, f := range fields {
		if f.ID == "" {
			return fmt.Errorf("context %s has a field with empty id", contextID)
		}
		if f.Width < 0 || f.Width > 12 {
			return fmt.Errorf("field %s width must be between 0 and 12", f.ID)
		}
		if len(f.Children) > 0 && f.Type != domain.FieldGroup {
			return fmt.Errorf("field %s has children but is not a %s", f.ID, domain.FieldGroup)
		}
		if err := validateFields(contextID, f.Children); err != nil {
			return err
		}
	}
	return nil
}

// NodeInfo returns the public node description.
func (c *Config) NodeInfo() domain.Node {
	return domain.Node{
		Name:                            c.Node.Name,
		EnableProofOfWork:               c.Node.EnableProofOfWork,
		EnableCaptcha:                   c.Node.EnableCaptcha,
		AllowUnencrypted:                c.Node.AllowUnencrypted,
		ShowContextsInAlphabeticalOrder: c.Node.ShowContextsInAlphabeticalOrder,
		SubmissionMinimumDelay:          c.Submission.MinimumDelay,
		ProofOfWorkTimeoutMs:            c.PowTimeout().Milliseconds(),
	}
}

// TokenLifetime is how long an issued token stays usable.
func (c *Config) TokenLifetime() time.Duration {
	d, _ := parseDuration(c.Submission.TokenLifetime, defaultTokenLifetime)
	return d
}

// PowTimeout bounds how long a client waits for its proof-of-work worker.
func (c *Config) PowTimeout() time.Duration {
	d, _ := parseDuration(c.Submission.PowTimeout, defaultPowTimeout)
	return d
}

// PowDifficulty is the number of trailing zero bytes the server requires.
func (c *Config) PowDifficulty() int {
	if c.Submission.PowDifficulty == 0 {
		return defaultPowDifficulty
	}
	return c.Submission.PowDifficulty
}

// DomainContexts converts the configured contexts to the API model.
func (c *Config) DomainContexts() []domain.Context {
	out := make([]domain.Context, 0, len(c.Contexts))
	for _, cc := range c.Contexts {
		show := true
		if cc.ShowContext != nil {
			show = *cc.ShowContext
		}
		ctx := domain.Context{
			ID:                               cc.ID,
			Name:                             cc.Name,
			Description:                      cc.Description,
			PresentationOrder:                cc.PresentationOrder,
			ShowContext:                      show,
			MaximumSelectableReceivers:       cc.MaximumSelectableReceivers,
			ShowReceivers:                    cc.ShowReceivers,
			ShowReceiversInAlphabeticalOrder: cc.ShowReceiversInAlphabeticalOrder,
			Receivers:                        append([]string{}, cc.Receivers...),
			Steps:                            make([]domain.Step, 0, len(cc.Steps)),
		}
		for _, st := range cc.Steps {
			ctx.Steps = append(ctx.Steps, domain.Step{ID: st.ID, Label: st.Label, Children: toFields(st.Fields)})
		}
		out = append(out, ctx)
	}
	return out
}

func toFields(in []FieldConfig) []domain.Field {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Field, 0, len(in))
	for _, f := range in {
		field := domain.Field{
			ID:       f.ID,
			Label:    f.Label,
			Type:     f.Type,
			X:        f.X,
			Y:        f.Y,
			Width:    f.Width,
			Required: f.Required,
			Children: toFields(f.Children),
		}
		for _, o := range f.Options {
			field.Options = append(field.Options, domain.FieldOption{ID: o.ID, Label: o.Label})
		}
		out = append(out, field)
	}
	return out
}

func parseDuration(v string, fallback time.Duration) (time.Duration, error) {
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tipline.yml")
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in demo configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `node:
  name: tipline
  enable_proof_of_work: true
  enable_captcha: true
  allow_unencrypted: false
  show_contexts_in_alphabetical_order: false

submission:
  minimum_delay: 10
  token_lifetime: 1h
  pow_difficulty: 2
  pow_timeout: 2m

receivers:
  - id: r-legal
    name: Legal office
    presentation_order: 1
    configuration: default
    pgp_key_status: enabled
  - id: r-audit
    name: Internal audit
    presentation_order: 2
    configuration: default
    pgp_key_status: enabled
  - id: r-press
    name: Press desk
    presentation_order: 3
    configuration: default
    pgp_key_status: disabled

contexts:
  - id: c-fraud
    name: Fraud
    presentation_order: 1
    maximum_selectable_receivers: 2
    show_receivers: true
    receivers: [r-legal, r-audit, r-press]
    steps:
      - id: s-what
        label: What happened
        fields:
          - id: f-summary
            label: Summary
            type: textarea
            y: 0
            required: true
          - id: f-when
            label: When
            type: date
            y: 1
            width: 6
          - id: f-where
            label: Where
            type: inputbox
            y: 1
            width: 6
      - id: s-people
        label: People involved
        fields:
          - id: f-person
            label: Person
            type: fieldgroup
            y: 0
            children:
              - id: f-person-name
                label: Name
                type: inputbox
                y: 0
              - id: f-person-role
                label: Role
                type: inputbox
                y: 0
          - id: f-consent
            label: Consent
            type: checkbox
            y: 1
            required: true
            options:
              - id: o-agree
                label: I confirm the information is accurate
  - id: c-safety
    name: Workplace safety
    presentation_order: 2
    maximum_selectable_receivers: 0
    show_receivers: false
    receivers: [r-audit]
    steps:
      - id: s-report
        label: Report
        fields:
          - id: f-description
            label: Description
            type: textarea
            y: 0
            required: true
`
