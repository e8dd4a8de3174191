package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Defaults for inbound payload limits. Both sides of the relay are
// untrusted; the guard runs before any payload field is decoded.
const (
	DefaultMaxDepth = 16
	DefaultMaxItems = 1024
)

var (
	// ErrTooDeep is returned when a payload nests past the depth limit.
	ErrTooDeep = errors.New("payload exceeds maximum nesting depth")
	// ErrTooManyItems is returned when a single object or array exceeds
	// the per-level collection-size cap.
	ErrTooManyItems = errors.New("payload collection exceeds size cap")
)

// CheckPayload scans raw JSON and rejects payloads nested deeper than
// maxDepth or containing any object/array with more than maxItems entries.
// It uses the streaming tokenizer so nothing is materialized before the
// limits are enforced.
func CheckPayload(raw []byte, maxDepth, maxItems int) error {
	if len(raw) == 0 {
		return nil
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	depth := 0
	// items[d] counts values seen at nesting depth d. For objects the
	// tokenizer yields key and value as separate tokens, so keys are
	// counted and the cap is applied as 2*maxItems inside objects; the
	// kind stack tracks which divisor applies.
	var counts []int
	var kinds []byte // '{' or '['

	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("protocol: malformed payload: %w", err)
		}

		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{', '[':
				depth++
				if depth > maxDepth {
					return ErrTooDeep
				}
				if len(counts) > 0 {
					if err := bumpCount(&counts, &kinds, maxItems); err != nil {
						return err
					}
				}
				counts = append(counts, 0)
				kinds = append(kinds, byte(t))
			case '}', ']':
				depth--
				counts = counts[:len(counts)-1]
				kinds = kinds[:len(kinds)-1]
			}
		default:
			if len(counts) > 0 {
				if err := bumpCount(&counts, &kinds, maxItems); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func bumpCount(counts *[]int, kinds *[]byte, maxItems int) error {
	i := len(*counts) - 1
	(*counts)[i]++
	limit := maxItems
	if (*kinds)[i] == '{' {
		// Keys and values each produce a token.
		limit = maxItems * 2
	}
	if (*counts)[i] > limit {
		return ErrTooManyItems
	}
	return nil
}

// DecodeGuarded runs CheckPayload and then unmarshals into v. This is the
// required entry point for every inbound payload.
func DecodeGuarded(raw []byte, v any, maxDepth, maxItems int) error {
	if err := CheckPayload(raw, maxDepth, maxItems); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("protocol: decode payload: %w", err)
	}
	return nil
}
