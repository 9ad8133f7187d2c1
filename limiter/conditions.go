package limiter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Condition compares one request field against a value. Fields are the named
// request attributes (userId, apiKey, ip, path, method, userAgent, origin),
// userTier (read from metadata), header.<name> and metadata.<key>.
//
// A condition that cannot be evaluated never panics and never matches: an
// unknown field, an unknown operator, a malformed regex or a non-numeric
// comparison all evaluate false.
type Condition struct {
	Field    string
	Operator string

	// Value is compared against the field: a scalar for equals/contains/
	// greater/less, a pattern string for matches, a list for in.
	Value any

	compiledRegex *regexp.Regexp // compiled pattern for matches, nil when invalid
}

// prepare compiles the regex of a matches condition. Compilation failures
// are logged once here and leave the condition permanently false, matching
// the evaluation-time contract.
func (c *Condition) prepare(policyName string) {
	if c.Operator != OpMatches {
		return
	}
	pattern, ok := c.Value.(string)
	if !ok {
		log.Warn().Str("policy", policyName).Str("field", c.Field).Interface("value", c.Value).Msg("matches condition value is not a string, condition will never match")
		return
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		log.Warn().Err(err).Str("policy", policyName).Str("field", c.Field).Str("pattern", pattern).Msg("invalid regex in condition, condition will never match")
		return
	}
	c.compiledRegex = re
}

// matches evaluates the condition against req.
func (c *Condition) matches(req *Request) bool {
	fieldVal, ok := fieldValue(req, c.Field)
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return fieldVal == stringify(c.Value)
	case OpContains:
		return strings.Contains(fieldVal, stringify(c.Value))
	case OpMatches:
		return c.compiledRegex != nil && c.compiledRegex.MatchString(fieldVal)
	case OpIn:
		return valueIn(fieldVal, c.Value)
	case OpGreater:
		fv, cv, ok := numericPair(fieldVal, c.Value)
		return ok && fv > cv
	case OpLess:
		fv, cv, ok := numericPair(fieldVal, c.Value)
		return ok && fv < cv
	default:
		return false
	}
}

// fieldValue resolves a condition field to its string form. Header names are
// matched case-sensitively against the request's header map.
func fieldValue(req *Request, field string) (string, bool) {
	switch field {
	case "userId":
		return req.UserID, true
	case "apiKey":
		return req.APIKey, true
	case "ip":
		return req.IP, true
	case "path":
		return req.Path, true
	case "method":
		return req.Method, true
	case "userAgent":
		return req.UserAgent, true
	case "origin":
		return req.Origin, true
	case "userTier":
		v, ok := req.Metadata["userTier"]
		if !ok {
			return "", false
		}
		return stringify(v), true
	}

	if name, ok := strings.CutPrefix(field, "header."); ok {
		v, ok := req.Headers[name]
		return v, ok
	}
	if key, ok := strings.CutPrefix(field, "metadata."); ok {
		v, ok := req.Metadata[key]
		if !ok {
			return "", false
		}
		return stringify(v), true
	}
	return "", false
}

// valueIn reports whether fieldVal equals any element of list. Non-list
// values are treated as a single-element list.
func valueIn(fieldVal string, list any) bool {
	switch vs := list.(type) {
	case []string:
		for _, v := range vs {
			if fieldVal == v {
				return true
			}
		}
	case []any:
		for _, v := range vs {
			if fieldVal == stringify(v) {
				return true
			}
		}
	default:
		return fieldVal == stringify(list)
	}
	return false
}

// numericPair parses both sides of a numeric comparison.
func numericPair(fieldVal string, condVal any) (float64, float64, bool) {
	fv, err := strconv.ParseFloat(fieldVal, 64)
	if err != nil {
		return 0, 0, false
	}
	cv, ok := toFloat(condVal)
	if !ok {
		return 0, 0, false
	}
	return fv, cv, true
}

// stringify renders a condition or metadata value the way it is compared.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// toFloat coerces the numeric types yaml and json decoders produce.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
