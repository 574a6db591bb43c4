// Package tmplrender implements the lazy, undefined-variable-driven ACL
// template renderer described by the core: a policy's ACL templates are
// small text/template strings whose rendered lines are ACLs. Most templates
// are static and never need the (expensive) per-user identity-graph context;
// only a template that actually references the context triggers one fetch.
//
// Grounded on original_source/wazo_auth/helpers.py's LazyTemplateRenderer,
// which uses Jinja2's StrictUndefined/UndefinedError for the same purpose.
// Go's text/template has no first-class "strict undefined" mode for struct
// field access, but Option("missingkey=error") gives it for map lookups,
// and a bare identifier on a missing struct field already fails at Execute
// time with a distinguishable error — both are treated as the "undefined
// variable" signal the spec requires.
package tmplrender

import (
	"strings"
	"text/template"
)

// DataFunc fetches the per-user context lazily. It is called at most once
// per Render, regardless of how many templates need it.
type DataFunc func() (map[string]any, error)

// Render expands every template in templates against an initially-empty
// context, fetching the real context via fetch only if (and the first time)
// a template turns out to reference it. Non-empty output lines become ACLs,
// in template order. A template whose second attempt (after the fetch) still
// references an undefined name yields no ACLs for that template (silent,
// per spec) rather than failing the whole render.
func Render(templates []string, fetch DataFunc) ([]string, error) {
	var fetched map[string]any
	haveFetched := false

	var acls []string

	for _, tmplText := range templates {
		lines, err := evaluate(tmplText, map[string]any{})
		if err == nil {
			acls = append(acls, splitACLs(lines)...)
			continue
		}

		if !isUndefined(err) {
			return nil, err
		}

		if !haveFetched {
			haveFetched = true
			data, ferr := fetch()
			if ferr != nil {
				return nil, ferr
			}
			fetched = data
		}

		lines, err = evaluate(tmplText, fetched)
		if err == nil {
			acls = append(acls, splitACLs(lines)...)
			continue
		}

		if isUndefined(err) {
			// Second failure after a real fetch: silently yields no ACLs.
			continue
		}

		return nil, err
	}

	return acls, nil
}

func evaluate(tmplText string, data map[string]any) (string, error) {
	tpl, err := template.New("acl").Option("missingkey=error").Parse(tmplText)
	if err != nil {
		return "", err
	}

	var buf strings.Builder
	if err := tpl.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

func splitACLs(rendered string) []string {
	var acls []string
	for _, line := range strings.Split(rendered, "\n") {
		if line != "" {
			acls = append(acls, line)
		}
	}
	return acls
}

// isUndefined reports whether err is text/template's signal for "referenced
// a name that is not present in the data" — either a missing map key (with
// Option("missingkey=error")) or a field/method lookup that failed because
// the name does not exist in the supplied context.
func isUndefined(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "map has no entry for key") ||
		strings.Contains(msg, "can't evaluate field") ||
		strings.Contains(msg, "nil pointer evaluating") ||
		strings.Contains(msg, "is not a method") && strings.Contains(msg, "has no")
}
