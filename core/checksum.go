package core

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode/utf16"

	"golang.org/x/crypto/sha3"

	"github.com/signalsfoundry/swarm-sync/model"
)

// Digest names the hash used for message checksums.
type Digest string

const (
	// DigestMD5 is the default. Together with CanonicalJSON it reproduces the
	// checksums of the Python field tooling byte for byte.
	DigestMD5     Digest = "md5"
	DigestSHA3256 Digest = "sha3-256"
)

// ParseDigest accepts "md5" or "sha3-256". Empty selects DigestMD5.
func ParseDigest(s string) (Digest, error) {
	switch d := Digest(strings.ToLower(strings.TrimSpace(s))); d {
	case "", DigestMD5:
		return DigestMD5, nil
	case DigestSHA3256, "sha3":
		return DigestSHA3256, nil
	default:
		return "", fmt.Errorf("unsupported checksum digest %q", s)
	}
}

// Sum returns the hex digest of data.
func (d Digest) Sum(data []byte) string {
	switch d {
	case DigestSHA3256:
		sum := sha3.Sum256(data)
		return hex.EncodeToString(sum[:])
	default:
		sum := md5.Sum(data)
		return hex.EncodeToString(sum[:])
	}
}

// CanonicalJSON encodes v the way Python's json.dumps(v, sort_keys=True)
// does: object keys sorted, ", " and ": " separators, non-ASCII escaped as
// \uXXXX and floats in repr form. Values with equal content always produce
// identical bytes no matter how they were built. Numbers Go renders without
// a fraction or exponent are written as integers.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, fmt.Errorf("re-encode payload: %w", err)
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch v := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(v))
	case string:
		writeASCIIString(buf, v)
	case json.Number:
		return writeNumber(buf, v)
	case []any:
		buf.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				buf.WriteString(", ")
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		buf.WriteByte('{')
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(", ")
			}
			writeASCIIString(buf, k)
			buf.WriteString(": ")
			if err := writeCanonical(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unexpected JSON value %T", v)
	}
	return nil
}

func writeASCIIString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			switch {
			case r >= 0x20 && r <= 0x7e:
				buf.WriteRune(r)
			case r > 0xffff:
				hi, lo := utf16.EncodeRune(r)
				fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
			default:
				fmt.Fprintf(buf, `\u%04x`, r)
			}
		}
	}
	buf.WriteByte('"')
}

// writeNumber keeps integer literals and renders everything else like
// Python's float repr: fixed notation for decimal exponents in [-4, 16),
// scientific with a signed two-digit exponent otherwise.
func writeNumber(buf *bytes.Buffer, n json.Number) error {
	text := n.String()
	if !strings.ContainsAny(text, ".eE") {
		buf.WriteString(text)
		return nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return err
	}
	buf.WriteString(pythonFloatRepr(f))
	return nil
}

func pythonFloatRepr(f float64) string {
	sci := strconv.FormatFloat(f, 'e', -1, 64) // [-]d[.ddd]e±XX
	sign := ""
	if sci[0] == '-' {
		sign, sci = "-", sci[1:]
	}
	mant, expText, _ := strings.Cut(sci, "e")
	exp, _ := strconv.Atoi(expText)
	digits := strings.Replace(mant, ".", "", 1)

	if exp < -4 || exp >= 16 {
		out := digits[:1]
		if len(digits) > 1 {
			out += "." + digits[1:]
		}
		esign := "+"
		if exp < 0 {
			esign, exp = "-", -exp
		}
		return fmt.Sprintf("%s%se%s%02d", sign, out, esign, exp)
	}
	if exp < 0 {
		return sign + "0." + strings.Repeat("0", -exp-1) + digits
	}
	if len(digits) <= exp+1 {
		return sign + digits + strings.Repeat("0", exp+1-len(digits)) + ".0"
	}
	return sign + digits[:exp+1] + "." + digits[exp+1:]
}

// ChecksumWith computes the checksum of payload using the given digest.
func ChecksumWith(d Digest, payload any) (string, error) {
	data, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return d.Sum(data), nil
}

// Checksum computes the default (MD5) checksum of payload.
func Checksum(payload any) (string, error) {
	return ChecksumWith(DigestMD5, payload)
}

// VerifyChecksumWith reports whether msg.Checksum matches its payload under d.
// It has no side effects.
func VerifyChecksumWith(d Digest, msg model.Message) bool {
	sum, err := ChecksumWith(d, msg.Payload)
	if err != nil {
		return false
	}
	return sum == msg.Checksum
}

// VerifyChecksum reports whether msg.Checksum matches its payload using the
// default digest.
func VerifyChecksum(msg model.Message) bool {
	return VerifyChecksumWith(DigestMD5, msg)
}
