// Package command renders shell command lines from application templates.
//
// Templates use pongo2 (django/jinja syntax) with a single extra filter, q,
// which shell-quotes its argument. Every value substituted into a command
// must pass through q; templates that would emit an unquoted substitution are
// rejected at startup by Vet, never at request time.
package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/flosch/pongo2/v6"

	"jobbroker/internal/apperrors"
)

func init() {
	// Templates render shell commands, not HTML; pongo2's default HTML
	// autoescaping would mangle the shell quoting the q filter produces.
	pongo2.SetAutoescape(false)
	if err := pongo2.RegisterFilter("q", quoteFilter); err != nil {
		panic(err)
	}
}

// quoteFilter is the q template filter: POSIX shell quoting, the equivalent
// of Python's shlex.quote.
func quoteFilter(in *pongo2.Value, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	return pongo2.AsValue(ShellQuote(in.String())), nil
}

// shellSafe matches strings that need no quoting on a POSIX shell.
var shellSafe = regexp.MustCompile(`^[a-zA-Z0-9_@%+=:,./-]+$`)

// ShellQuote returns s quoted for safe use as a single shell word.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Template is a parsed, vetted command template.
type Template struct {
	name string
	raw  string
	tpl  *pongo2.Template
}

// Parse compiles a command template. Syntax errors are configuration errors.
func Parse(name, text string) (*Template, error) {
	tpl, err := pongo2.FromString(text)
	if err != nil {
		return nil, apperrors.Configuration(
			"template.parse",
			fmt.Sprintf("application %s: invalid command template: %v", name, err),
		)
	}
	return &Template{name: name, raw: text, tpl: tpl}, nil
}

// Render materialises the command line for the given parameters. Parameters
// must already be validated against the application's input schema; rendering
// a vetted template with schema-conformant parameters is total.
//
// Number and boolean values are coerced to strings. Newlines in the result
// are collapsed to spaces; the returned command is a single line.
func (t *Template) Render(params map[string]any) (string, error) {
	ctx := pongo2.Context{}
	for k, v := range params {
		ctx[k] = coerce(v)
	}
	out, err := t.tpl.Execute(ctx)
	if err != nil {
		return "", apperrors.Internal("template.render", err)
	}
	return collapse(out), nil
}

// Vet renders the template with probe values for every declared property and
// verifies each substitution passed through the q filter. Called once at
// startup; a template that can emit an unquoted probe is rejected.
func (t *Template) Vet(properties []string) error {
	ctx := pongo2.Context{}
	probes := make([]string, 0, len(properties))
	for _, p := range properties {
		probe := vetProbe(p)
		probes = append(probes, probe)
		ctx[p] = probe
	}
	out, err := t.tpl.Execute(ctx)
	if err != nil {
		return apperrors.Configuration(
			"template.vet",
			fmt.Sprintf("application %s: command template does not render: %v", t.name, err),
		)
	}
	for i, probe := range probes {
		// Strip every quoted occurrence; anything left over reached the
		// output without the q filter.
		stripped := strings.ReplaceAll(out, ShellQuote(probe), "")
		if strings.Contains(stripped, probe) {
			return apperrors.Configuration(
				"template.vet",
				fmt.Sprintf(
					"application %s: template substitutes %q without the q filter",
					t.name, properties[i],
				),
			)
		}
	}
	return nil
}

// Raw returns the template source.
func (t *Template) Raw() string {
	return t.raw
}

// vetProbe builds a per-property probe value. The embedded spaces guarantee
// the q filter always quotes it, which is what Vet keys on.
func vetProbe(property string) string {
	return "__vet " + property + " vet__"
}

func coerce(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func collapse(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.TrimSpace(s)
}
