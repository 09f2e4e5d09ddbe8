package codec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mailgate/mailgate/internal/model"
)

const (
	minRun = 4  // shortest run emitted as a count token
	maxRun = 99 // two decimal digits

	// maxExpanded bounds the output of Decompress. Records are a few hundred
	// bytes; anything larger is an attack or garbage.
	maxExpanded = 64 << 10
)

// Compress run-length encodes s. A byte repeated minRun or more times is
// written as the byte followed by a two-digit count. Runs longer than maxRun
// are split into several tokens.
func Compress(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		c := s[i]
		j := i
		for j < len(s) && s[j] == c {
			j++
		}
		for n := j - i; n > 0; {
			chunk := n
			if chunk > maxRun {
				chunk = maxRun
			}
			if chunk >= minRun {
				b.WriteByte(c)
				fmt.Fprintf(&b, "%02d", chunk)
			} else {
				for k := 0; k < chunk; k++ {
					b.WriteByte(c)
				}
			}
			n -= chunk
		}
		i = j
	}
	return b.String()
}

// Decompress expands the count tokens Compress emits. A byte followed by two
// digits is a token only when the count lies in [minRun, maxRun]; every other
// byte is literal.
func Decompress(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if i+2 < len(s) && isDigit(s[i+1]) && isDigit(s[i+2]) {
			n, _ := strconv.Atoi(s[i+1 : i+3])
			if n >= minRun {
				if b.Len()+n > maxExpanded {
					return "", fmt.Errorf("%w: decompressed payload too large", model.ErrDecodeFailure)
				}
				for k := 0; k < n; k++ {
					b.WriteByte(s[i])
				}
				i += 3
				continue
			}
		}
		if b.Len()+1 > maxExpanded {
			return "", fmt.Errorf("%w: decompressed payload too large", model.ErrDecodeFailure)
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String(), nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
