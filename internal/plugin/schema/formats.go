package schema

import (
	"math"
	"math/big"
	"net/mail"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
)

// FormatFunc checks a value against a named format. Values of a JSON type
// the format does not apply to must be accepted.
type FormatFunc func(value any) error

// Format names understood by the default validator.
const (
	FormatUint32   = "uint32"
	FormatInt32    = "int32"
	FormatUint64   = "uint64"
	FormatInt64    = "int64"
	FormatDouble   = "double"
	FormatPath     = "path"
	FormatSemver   = "semver"
	FormatDuration = "duration"
	FormatURI      = "uri"
	FormatEmail    = "email"
	FormatRegex    = "regex"
)

// DefaultFormats returns the built-in format checkers.
func DefaultFormats() map[string]FormatFunc {
	return map[string]FormatFunc{
		FormatUint32:   integerFormat(big.NewInt(0), new(big.Int).SetUint64(math.MaxUint32)),
		FormatInt32:    integerFormat(big.NewInt(math.MinInt32), big.NewInt(math.MaxInt32)),
		FormatUint64:   integerFormat(big.NewInt(0), new(big.Int).SetUint64(math.MaxUint64)),
		FormatInt64:    integerFormat(big.NewInt(math.MinInt64), big.NewInt(math.MaxInt64)),
		FormatDouble:   doubleFormat,
		FormatPath:     stringFormat(checkAbsPath),
		FormatSemver:   stringFormat(checkSemver),
		FormatDuration: stringFormat(checkDuration),
		FormatURI:      stringFormat(checkURI),
		FormatEmail:    stringFormat(checkEmail),
		FormatRegex:    stringFormat(checkRegex),
	}
}

// integerFormat compares bounds exactly, so float64 values that round onto
// a bound of a 64-bit range are still rejected when they lie past it.
func integerFormat(min, max *big.Int) FormatFunc {
	return func(value any) error {
		if !isNumber(value) {
			return nil
		}
		if !isInteger(value) {
			return errors.Newf("%v is not an integer", value)
		}
		n := toBigInt(value)
		if n.Cmp(min) < 0 || n.Cmp(max) > 0 {
			return errors.Newf("%v is outside [%s, %s]", value, min, max)
		}
		return nil
	}
}

func toBigInt(v any) *big.Int {
	switch val := v.(type) {
	case uint:
		return new(big.Int).SetUint64(uint64(val))
	case uint64:
		return new(big.Int).SetUint64(val)
	case float32:
		n, _ := big.NewFloat(float64(val)).Int(nil)
		return n
	case float64:
		n, _ := big.NewFloat(val).Int(nil)
		return n
	default:
		return big.NewInt(toInt64(v))
	}
}

func toInt64(v any) int64 {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case int64:
		return val
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	default:
		return 0
	}
}

func doubleFormat(value any) error {
	if !isNumber(value) {
		return nil
	}
	f := toFloat64(value)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return errors.Newf("%v is not finite", value)
	}
	return nil
}

func stringFormat(check func(string) error) FormatFunc {
	return func(value any) error {
		s, ok := value.(string)
		if !ok {
			return nil
		}
		return check(s)
	}
}

func checkAbsPath(s string) error {
	if !filepath.IsAbs(s) {
		return errors.Newf("%q is not an absolute path", s)
	}
	return nil
}

func checkSemver(s string) error {
	if _, err := semver.StrictNewVersion(s); err != nil {
		return errors.Wrapf(err, "%q", s)
	}
	return nil
}

func checkDuration(s string) error {
	_, err := time.ParseDuration(s)
	return err
}

func checkURI(s string) error {
	for _, prefix := range []string{"http://", "https://", "file://"} {
		if strings.HasPrefix(s, prefix) {
			return nil
		}
	}
	return errors.Newf("%q is not a URI", s)
}

func checkEmail(s string) error {
	_, err := mail.ParseAddress(s)
	return err
}

func checkRegex(s string) error {
	_, err := regexp.Compile(s)
	return err
}
