package logger

import (
	"bytes"
	"io"
	"regexp"
	"sync"
)

const redacted = "[REDACTED]"

// redactRule replaces matches of re with repl. repl may reference capture
// groups so the surrounding key or scheme stays readable.
type redactRule struct {
	name string
	re   *regexp.Regexp
	repl []byte
}

// Redactor masks credentials in log lines and in tool error messages
// before they leave the executor.
type Redactor struct {
	mu    sync.RWMutex
	rules []redactRule
}

func rule(name, pattern, repl string) redactRule {
	return redactRule{name: name, re: regexp.MustCompile(pattern), repl: []byte(repl)}
}

// NewRedactor creates a redactor with the built-in rules.
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []redactRule{
			rule("private-key", `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`, redacted),
			rule("url-credentials", `(://[^/\s:@]+:)[^/\s@]+@`, "${1}"+redacted+"@"),
			rule("bearer", `(?i)(bearer\s+)[a-z0-9._~+/=-]+`, "${1}"+redacted),
			rule("key-value", `(?i)\b(password|passwd|pwd|secret|token|api[_-]?key|access[_-]?key)(["']?\s*[:=]\s*["']?)[^\s"',}&]+`, "${1}${2}"+redacted),
			rule("api-key", `\bsk-[a-zA-Z0-9_-]{20,}`, redacted),
			rule("aws-access-key", `\bAKIA[0-9A-Z]{16}\b`, redacted),
		},
	}
}

// AddPattern adds a rule that replaces every match of pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.rules = append(r.rules, redactRule{name: "custom", re: re, repl: []byte(redacted)})
	r.mu.Unlock()
	return nil
}

// Redact returns s with every rule applied.
func (r *Redactor) Redact(s string) string {
	return string(r.redact([]byte(s)))
}

func (r *Redactor) redact(b []byte) []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rl := range r.rules {
		if rl.re.Match(b) {
			b = rl.re.ReplaceAll(b, rl.repl)
		}
	}
	return b
}

// Wrap returns a writer that redacts each write before passing it on.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success even when redaction shortened the line.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write(w.redactor.redact(bytes.Clone(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
