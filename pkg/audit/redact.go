package audit

import (
	"bytes"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// safeVars are environment variables that carry no secrets.
var safeVars = map[string]bool{
	"HOME": true, "USER": true, "PWD": true, "OLDPWD": true,
	"SHELL": true, "PATH": true, "LANG": true, "TERM": true,
	"EDITOR": true, "PAGER": true, "HOSTNAME": true, "LOGNAME": true,
	"TMPDIR": true, "LC_ALL": true, "GOPATH": true, "GOFLAGS": true,
}

var specialParams = map[string]bool{
	"?": true, "!": true, "#": true, "@": true, "*": true,
	"-": true, "$": true, "_": true, "0": true,
}

// RedactCommand rewrites a shell command so that variable expansions and
// assignment values other than well-known safe ones are masked. Commands
// that do not parse fall back to regular expressions.
func RedactCommand(cmd string) string {
	prog, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(cmd), "")
	if err != nil {
		return regexRedact(cmd)
	}

	syntax.Walk(prog, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.ParamExp:
			if n.Param != nil && !safeVars[n.Param.Value] && !specialParams[n.Param.Value] && !isPositional(n.Param.Value) {
				n.Param.Value = "REDACTED"
			}
		case *syntax.Assign:
			if n.Name != nil && !safeVars[n.Name.Value] && n.Value != nil {
				n.Value.Parts = []syntax.WordPart{&syntax.Lit{Value: "***"}}
			}
		}
		return true
	})

	var buf bytes.Buffer
	if err := syntax.NewPrinter(syntax.Indent(0)).Print(&buf, prog); err != nil {
		return regexRedact(cmd)
	}
	return strings.TrimRight(buf.String(), "\n")
}

func isPositional(name string) bool {
	return len(name) == 1 && name[0] >= '1' && name[0] <= '9'
}

var (
	reBraceVar  = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	reSimpleVar = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
	reAssign    = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)=(\S+)`)
)

func regexRedact(cmd string) string {
	cmd = reBraceVar.ReplaceAllStringFunc(cmd, func(m string) string {
		if safeVars[reBraceVar.FindStringSubmatch(m)[1]] {
			return m
		}
		return "${REDACTED}"
	})
	cmd = reSimpleVar.ReplaceAllStringFunc(cmd, func(m string) string {
		name := reSimpleVar.FindStringSubmatch(m)[1]
		if name == "REDACTED" || safeVars[name] {
			return m
		}
		return "$REDACTED"
	})
	return reAssign.ReplaceAllStringFunc(cmd, func(m string) string {
		name := reAssign.FindStringSubmatch(m)[1]
		if safeVars[name] {
			return m
		}
		return name + "=***"
	})
}
