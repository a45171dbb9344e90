package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/srg/blecentral/internal/bledb"
	"github.com/srg/blecentral/internal/session"
	"golang.org/x/term"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

func validateFormat(format string) error {
	switch format {
	case formatTable, formatJSON:
		return nil
	default:
		return fmt.Errorf("invalid format '%s': must be one of [%s %s]", format, formatTable, formatJSON)
	}
}

// printer writes command output. Colours are used only when out is a
// terminal.
type printer struct {
	out    io.Writer
	format string

	name  *color.Color
	uuid  *color.Color
	value *color.Color
	dim   *color.Color
}

func newPrinter(out io.Writer, format string) *printer {
	p := &printer{
		out:    out,
		format: format,
		name:   color.New(color.FgGreen, color.Bold),
		uuid:   color.New(color.FgCyan),
		value:  color.New(color.FgYellow),
		dim:    color.New(color.Faint),
	}
	if !isTerminal(out) {
		for _, c := range []*color.Color{p.name, p.uuid, p.value, p.dim} {
			c.DisableColor()
		}
	}
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p *printer) json() bool {
	return p.format == formatJSON
}

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(p.out, format, args...)
}

// event prints ev as one JSON object per line.
func (p *printer) event(ev session.Event) error {
	data, err := session.MarshalEvent(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(p.out, string(data))
	return err
}

// attribute renders a UUID by its short alias followed by its SIG name.
func (p *printer) attribute(uuid, name string) string {
	short := p.uuid.Sprint(bledb.ShortUUID(uuid))
	if name == "" {
		return short
	}
	return short + " " + p.name.Sprint(name)
}

func (p *printer) bytes(data []byte) string {
	return p.value.Sprint(formatHex(data))
}

func formatHex(data []byte) string {
	return strings.ToUpper(hex.EncodeToString(data))
}

// parseHex accepts "0102", "01 02", "01:02" and a leading 0x.
func parseHex(s string) ([]byte, error) {
	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "").Replace(strings.TrimSpace(s))
	cleaned = strings.TrimPrefix(strings.TrimPrefix(cleaned, "0x"), "0X")
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex value %q: %w", s, err)
	}
	return data, nil
}
