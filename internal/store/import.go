package store

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/mailgate/mailgate/internal/model"
)

// FieldSeparator splits the fields of a pool import line:
//
//	address----password----client_id----refresh_token
//
// Only the address is required.
const FieldSeparator = "----"

// ParseResourceLines reads pool resources of one protocol from r, one per
// line. Blank lines and lines starting with # are skipped.
func ParseResourceLines(r io.Reader, protocol model.Protocol) ([]model.EmailResource, error) {
	var out []model.EmailResource
	seen := make(map[string]bool)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		fields := strings.Split(text, FieldSeparator)
		if len(fields) > 4 {
			return nil, fmt.Errorf("%w: line %d: %d fields, want at most 4", model.ErrInvalidParams, line, len(fields))
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		for len(fields) < 4 {
			fields = append(fields, "")
		}

		address := strings.ToLower(fields[0])
		if !validAddress(address) {
			return nil, fmt.Errorf("%w: line %d: invalid address %q", model.ErrInvalidParams, line, fields[0])
		}
		if seen[address] {
			continue
		}
		seen[address] = true

		out = append(out, model.EmailResource{
			Address:      address,
			Protocol:     protocol,
			Password:     fields[1],
			ClientID:     fields[2],
			RefreshToken: fields[3],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read import: %w", err)
	}
	return out, nil
}

func validAddress(address string) bool {
	at := strings.IndexByte(address, '@')
	return at > 0 && at < len(address)-1 && !strings.ContainsAny(address, " \t")
}
