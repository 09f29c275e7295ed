package prompt

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Special section titles.
const (
	sectionMeta  = "Meta"
	sectionConst = "Const"
	sectionVar   = "Var"
)

var (
	headerRe      = regexp.MustCompile(`^\s*__(.+?)__\s*$`)
	specialRe     = regexp.MustCompile(`^\*\s*(.+?)\s*\*$`)
	keyValueRe    = regexp.MustCompile(`^-\s*(\S+)\s*=\s*(.*)$`)
	placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)
	spaceRunRe    = regexp.MustCompile(`[ \t]+`)
)

// Parse runs the full parse pipeline over source: comment stripping,
// whitespace normalization, section splitting, special-section extraction,
// constant substitution and variable call-site recording. Variable
// references are validated against registry.
func Parse(source string, registry *VariableRegistry) (*Prompt, error) {
	log := slog.With("component", "prompt.parser")

	stripped, err := stripComments(source)
	if err != nil {
		return nil, err
	}
	normalized := normalizeWhitespace(stripped)

	sections, err := splitSections(normalized, log)
	if err != nil {
		return nil, err
	}

	p := &Prompt{
		Metadata:     make(map[string]string),
		Constants:    make(map[string]string),
		VariableDefs: make(map[string]string),
		Sections:     make(map[string]string),
		CallSites:    make(map[string][]CallSite),
	}

	// Special sections first: constants and variable definitions feed the
	// prompt-section placeholder pass.
	for _, sec := range sections {
		name, special := specialTitle(sec.title)
		if !special {
			continue
		}
		switch name {
		case sectionMeta:
			parseKeyValues(sec.body, p.Metadata, name, log)
		case sectionConst:
			parseKeyValues(sec.body, p.Constants, name, log)
		case sectionVar:
			parseKeyValues(sec.body, p.VariableDefs, name, log)
		default:
			log.Warn("unknown special section ignored", "title", sec.title)
		}
	}

	// Variable values must be legal identifiers bound in the registry.
	for name, fn := range p.VariableDefs {
		if !isIdentifier(fn) {
			log.Warn("variable dropped: illegal function identifier", "variable", name, "function", fn)
			delete(p.VariableDefs, name)
			continue
		}
		if registry == nil || !registry.Has(fn) {
			log.Warn("variable dropped: function not registered", "variable", name, "function", fn)
			delete(p.VariableDefs, name)
		}
	}

	for _, sec := range sections {
		if _, special := specialTitle(sec.title); special {
			continue
		}
		if strings.Contains(sec.title, "*") {
			log.Warn("prompt section dropped: title contains '*'", "title", sec.title)
			continue
		}
		// Trim only the blank edges; leading indentation stays intact.
		body := strings.Trim(sec.body, "\n")
		if strings.TrimSpace(body) == "" {
			log.Warn("prompt section dropped: empty body", "title", sec.title)
			continue
		}
		// Repeated titles concatenate, separated by one blank line.
		if prev, exists := p.Sections[sec.title]; exists {
			body = prev + "\n\n" + body
			delete(p.CallSites, sec.title)
		}
		final, sites := substitute(body, p.Constants, p.VariableDefs, sec.title, log)
		p.Sections[sec.title] = final
		if len(sites) > 0 {
			p.CallSites[sec.title] = sites
		}
	}

	return p, nil
}

// stripComments removes // line comments and /* */ block comments. Block
// comments do not nest; an opener inside a block is a parse error.
func stripComments(src string) (string, error) {
	var b strings.Builder
	inLine, inBlock := false, false
	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		var next rune
		if i+1 < len(runes) {
			next = runes[i+1]
		}
		switch {
		case inLine:
			if c == '\n' {
				inLine = false
				b.WriteRune(c)
			}
		case inBlock:
			if c == '/' && next == '*' {
				return "", fmt.Errorf("prompt: nested block comment at offset %d", i)
			}
			if c == '*' && next == '/' {
				inBlock = false
				i++
			}
		default:
			if c == '/' && next == '/' {
				inLine = true
				i++
				continue
			}
			if c == '/' && next == '*' {
				inBlock = true
				i++
				continue
			}
			b.WriteRune(c)
		}
	}
	if inBlock {
		return "", errors.New("prompt: unterminated block comment")
	}
	return b.String(), nil
}

// normalizeWhitespace keeps the leading indentation of non-blank lines,
// collapses interior runs of spaces and tabs to a single space, collapses
// blank-line runs to one, and trims the document's trailing whitespace.
func normalizeWhitespace(src string) string {
	lines := strings.Split(src, "\n")
	out := make([]string, 0, len(lines))
	prevBlank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			if prevBlank {
				continue
			}
			prevBlank = true
			out = append(out, "")
			continue
		}
		prevBlank = false
		body := strings.TrimLeft(line, " \t")
		indent := line[:len(line)-len(body)]
		out = append(out, indent+spaceRunRe.ReplaceAllString(body, " "))
	}
	return strings.TrimRight(strings.Join(out, "\n"), " \t\n")
}

// section is one raw delimited region of the source.
type section struct {
	title string
	body  string
}

// splitSections cuts the document at `__ title __` lines. A line containing
// the delimiter with anything non-whitespace outside it is a parse error.
// Non-blank content before the first header is ignored with a warning.
func splitSections(src string, log *slog.Logger) ([]section, error) {
	var secs []section
	var current *section
	var body strings.Builder

	flush := func() {
		if current != nil {
			current.body = body.String()
			secs = append(secs, *current)
			body.Reset()
		}
	}

	for lineNo, line := range strings.Split(src, "\n") {
		if strings.Contains(line, "__") {
			m := headerRe.FindStringSubmatch(line)
			if m == nil {
				return nil, fmt.Errorf("prompt: malformed section header on line %d: %q", lineNo+1, line)
			}
			flush()
			current = &section{title: strings.TrimSpace(m[1])}
			continue
		}
		if current == nil {
			if strings.TrimSpace(line) != "" {
				log.Warn("content before first section header ignored", "line", lineNo+1)
			}
			continue
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	flush()
	return secs, nil
}

// specialTitle extracts the inner name of a `* Name *` title.
func specialTitle(title string) (string, bool) {
	m := specialRe.FindStringSubmatch(title)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// parseKeyValues folds `- key = value` lines into dst. Later duplicates win
// with a warning; malformed non-blank lines are skipped with a warning.
func parseKeyValues(body string, dst map[string]string, section string, log *slog.Logger) {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := keyValueRe.FindStringSubmatch(line)
		if m == nil {
			log.Warn("malformed entry skipped", "section", section, "line", line)
			continue
		}
		key, value := m[1], strings.TrimSpace(m[2])
		if _, dup := dst[key]; dup {
			log.Warn("duplicate key, later value wins", "section", section, "key", key)
		}
		dst[key] = value
	}
}

// substitute resolves {{name}} placeholders in body: constants are replaced
// inline, variables are left in place with a recorded call site, and unknown
// names are left as text with an error log. Call sites come out in ascending
// order and never overlap.
func substitute(body string, constants, variables map[string]string, title string, log *slog.Logger) (string, []CallSite) {
	var out strings.Builder
	var sites []CallSite
	last := 0

	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(body, -1) {
		start, end := loc[0], loc[1]
		name := body[loc[2]:loc[3]]

		out.WriteString(body[last:start])
		last = end

		if value, ok := constants[name]; ok {
			out.WriteString(value)
			continue
		}
		if fn, ok := variables[name]; ok {
			siteStart := out.Len()
			out.WriteString(body[start:end])
			sites = append(sites, CallSite{Function: fn, Start: siteStart, End: out.Len()})
			continue
		}
		log.Error("unknown placeholder left as text", "section", title, "placeholder", name)
		out.WriteString(body[start:end])
	}
	out.WriteString(body[last:])
	return out.String(), sites
}
