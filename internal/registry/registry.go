// Package registry is the typed, validated view over the configured
// applications and interactive applications. All configuration problems —
// bad schemas, templates that would emit unquoted user input — surface here
// at startup, never during a user request.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"jobbroker/internal/apperrors"
	"jobbroker/internal/auth"
	"jobbroker/internal/command"
	"jobbroker/internal/config"
)

// profile is the validated core shared by applications and interactive
// applications: a vetted command template plus an optional input schema.
type profile struct {
	Name       string
	Template   *command.Template
	Schema     *jsonschema.Schema
	RawSchema  map[string]any
	Properties []string
}

// Application is a validated submittable application.
type Application struct {
	profile
	UploadNeeds  []string
	AllowedRoles []string
	Summary      string
	Description  string
}

// InteractiveApplication is a validated follow-up command.
type InteractiveApplication struct {
	profile
	JobApplication string
	Description    string
	Timeout        time.Duration
}

// Registry holds the validated applications.
type Registry struct {
	apps  map[string]*Application
	iapps map[string]*InteractiveApplication
}

// New validates all configured applications. Any failure is a configuration
// error that aborts startup.
func New(cfg *config.Config) (*Registry, error) {
	r := &Registry{
		apps:  make(map[string]*Application, len(cfg.Applications)),
		iapps: make(map[string]*InteractiveApplication, len(cfg.InteractiveApplications)),
	}

	for name, appCfg := range cfg.Applications {
		p, err := newProfile(name, appCfg.CommandTemplate, appCfg.InputSchema)
		if err != nil {
			return nil, err
		}
		r.apps[name] = &Application{
			profile:      p,
			UploadNeeds:  appCfg.UploadNeeds,
			AllowedRoles: appCfg.AllowedRoles,
			Summary:      appCfg.Summary,
			Description:  appCfg.Description,
		}
	}

	for name, iappCfg := range cfg.InteractiveApplications {
		p, err := newProfile(name, iappCfg.CommandTemplate, iappCfg.InputSchema)
		if err != nil {
			return nil, err
		}
		if iappCfg.JobApplication != "" {
			if _, ok := r.apps[iappCfg.JobApplication]; !ok {
				return nil, apperrors.Configuration(
					"registry",
					fmt.Sprintf(
						"interactive application %s restricts to unknown application %q",
						name, iappCfg.JobApplication,
					),
				)
			}
		}
		timeout := iappCfg.Timeout.Std()
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		r.iapps[name] = &InteractiveApplication{
			profile:        p,
			JobApplication: iappCfg.JobApplication,
			Description:    iappCfg.Description,
			Timeout:        timeout,
		}
	}
	return r, nil
}

func newProfile(name, templateText string, rawSchema map[string]any) (profile, error) {
	properties, err := checkSchemaShape(name, rawSchema)
	if err != nil {
		return profile{}, err
	}

	tpl, err := command.Parse(name, templateText)
	if err != nil {
		return profile{}, err
	}
	if err := tpl.Vet(properties); err != nil {
		return profile{}, err
	}

	var schema *jsonschema.Schema
	if rawSchema != nil {
		schema, err = compileSchema(name, rawSchema)
		if err != nil {
			return profile{}, err
		}
	}
	return profile{
		Name:       name,
		Template:   tpl,
		Schema:     schema,
		RawSchema:  rawSchema,
		Properties: properties,
	}, nil
}

// checkSchemaShape enforces the supported schema subset: a 2020-12 object
// whose top-level properties are strings (or numbers/booleans coerced to
// strings before templating).
func checkSchemaShape(name string, rawSchema map[string]any) ([]string, error) {
	if rawSchema == nil {
		return nil, nil
	}
	if t, _ := rawSchema["type"].(string); t != "object" {
		return nil, apperrors.Configuration(
			"registry",
			fmt.Sprintf("application %s: input schema must have type object", name),
		)
	}

	props, _ := rawSchema["properties"].(map[string]any)
	properties := make([]string, 0, len(props))
	for propName, raw := range props {
		prop, _ := raw.(map[string]any)
		propType, _ := prop["type"].(string)
		switch propType {
		case "string", "number", "integer", "boolean":
		default:
			return nil, apperrors.Configuration(
				"registry",
				fmt.Sprintf(
					"application %s: property %s has unsupported type %q",
					name, propName, propType,
				),
			)
		}
		if enc, ok := prop["contentEncoding"].(string); ok && enc != "base64" {
			return nil, apperrors.Configuration(
				"registry",
				fmt.Sprintf(
					"application %s: property %s has unsupported content encoding %q",
					name, propName, enc,
				),
			)
		}
		properties = append(properties, propName)
	}
	sort.Strings(properties)
	return properties, nil
}

// compileSchema compiles the raw schema as JSON Schema 2020-12. The YAML
// form is round-tripped through JSON so the validator sees canonical types.
func compileSchema(name string, rawSchema map[string]any) (*jsonschema.Schema, error) {
	encoded, err := json.Marshal(rawSchema)
	if err != nil {
		return nil, apperrors.Configuration("registry", fmt.Sprintf("application %s: schema: %v", name, err))
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return nil, apperrors.Configuration("registry", fmt.Sprintf("application %s: schema: %v", name, err))
	}

	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft2020)
	resource := fmt.Sprintf("inmemory://%s/schema.json", name)
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, apperrors.Configuration("registry", fmt.Sprintf("application %s: schema: %v", name, err))
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, apperrors.Configuration("registry", fmt.Sprintf("application %s: invalid schema: %v", name, err))
	}
	return schema, nil
}

// Application looks up a submittable application.
func (r *Registry) Application(name string) (*Application, error) {
	app, ok := r.apps[name]
	if !ok {
		return nil, apperrors.NotFound("application", name)
	}
	return app, nil
}

// Interactive looks up an interactive application.
func (r *Registry) Interactive(name string) (*InteractiveApplication, error) {
	iapp, ok := r.iapps[name]
	if !ok {
		return nil, apperrors.NotFound("interactive application", name)
	}
	return iapp, nil
}

// Applications returns applications visible to the principal, sorted by name.
func (r *Registry) Applications(principal auth.Principal) []*Application {
	out := make([]*Application, 0, len(r.apps))
	for _, app := range r.apps {
		if app.CheckRoles(principal) == nil {
			out = append(out, app)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Names returns all application names, sorted. Pickers index into this.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.apps))
	for name := range r.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckRoles enforces allowed_roles against the principal. An empty list
// admits anyone authenticated.
func (a *Application) CheckRoles(principal auth.Principal) error {
	if len(a.AllowedRoles) == 0 {
		return nil
	}
	for _, role := range a.AllowedRoles {
		if principal.HasRole(role) {
			return nil
		}
	}
	return apperrors.Forbidden(
		"application",
		fmt.Sprintf("application %s requires one of roles %v", a.Name, a.AllowedRoles),
	)
}

// ValidateInput checks the payload against the input schema.
func (p *profile) ValidateInput(payload map[string]any) error {
	if p.Schema == nil {
		if len(payload) > 0 {
			return apperrors.Validation("payload", fmt.Sprintf("application %s takes no input", p.Name))
		}
		return nil
	}
	normalized, err := normalizePayload(payload)
	if err != nil {
		return apperrors.Validation("payload", err.Error())
	}
	if err := p.Schema.Validate(normalized); err != nil {
		return apperrors.Validation("payload", err.Error())
	}
	return nil
}

// Render materialises the command line from a schema-validated payload.
func (p *profile) Render(payload map[string]any) (string, error) {
	return p.Template.Render(payload)
}

// Base64Properties returns the property names declaring contentEncoding
// base64: their values are decoded to temporary files before rendering.
func (p *profile) Base64Properties() []string {
	props, _ := p.RawSchema["properties"].(map[string]any)
	var out []string
	for name, raw := range props {
		prop, _ := raw.(map[string]any)
		if enc, _ := prop["contentEncoding"].(string); enc == "base64" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// normalizePayload round-trips the payload through JSON so the validator
// sees the same types a JSON body carries.
func normalizePayload(payload map[string]any) (any, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
}
