package localtable

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// item is the local representation of a stored row: plain attribute
// values, resolved from/to *dynamodb.Client's types.AttributeValue at the
// Client boundary so the rest of this package never touches the wire type.
type item map[string]types.AttributeValue

func clone(it item) item {
	out := make(item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

// names/values resolve the #placeholder / :placeholder substitutions that
// expression.Builder (used by every caller in this module) emits.
type substitutions struct {
	names  map[string]string
	values map[string]types.AttributeValue
}

func (s substitutions) resolveName(tok string) string {
	if strings.HasPrefix(tok, "#") {
		if n, ok := s.names[tok]; ok {
			return n
		}
	}
	return tok
}

func (s substitutions) resolveValue(tok string) (types.AttributeValue, bool) {
	v, ok := s.values[tok]
	return v, ok
}

// evalCondition evaluates a ConditionExpression / FilterExpression /
// KeyConditionExpression string against it. Supports the forms
// expression.Builder generates: attribute_exists/attribute_not_exists,
// begins_with, BETWEEN, comparisons (= <> < <= > >=), joined by AND.
// OR and parenthesized groups beyond a single function call are not
// needed by this engine's query patterns and are not supported.
func evalCondition(expr string, it item, sub substitutions) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	clauses := splitTopLevelAnd(expr)
	for _, clause := range clauses {
		ok, err := evalClause(strings.TrimSpace(clause), it, sub)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func splitTopLevelAnd(expr string) []string {
	// Expression builder never nests parens around AND-joined clauses in
	// the patterns this package needs to evaluate, so a literal split on
	// " AND " (case-sensitive, as emitted) is sufficient.
	return strings.Split(expr, " AND ")
}

func evalClause(clause string, it item, sub substitutions) (bool, error) {
	switch {
	case strings.HasPrefix(clause, "attribute_exists("):
		name := sub.resolveName(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_exists("), ")"))
		_, ok := it[name]
		return ok, nil
	case strings.HasPrefix(clause, "attribute_not_exists("):
		name := sub.resolveName(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_not_exists("), ")"))
		_, ok := it[name]
		return !ok, nil
	case strings.HasPrefix(clause, "begins_with("):
		inner := strings.TrimSuffix(strings.TrimPrefix(clause, "begins_with("), ")")
		parts := splitArgs(inner)
		name := sub.resolveName(strings.TrimSpace(parts[0]))
		val, ok := sub.resolveValue(strings.TrimSpace(parts[1]))
		if !ok {
			return false, fmt.Errorf("unresolved value placeholder in %q", clause)
		}
		prefix, err := asString(val)
		if err != nil {
			return false, err
		}
		cur, ok := it[name]
		if !ok {
			return false, nil
		}
		curStr, err := asString(cur)
		if err != nil {
			return false, nil
		}
		return strings.HasPrefix(curStr, prefix), nil
	case strings.Contains(clause, " BETWEEN "):
		fields := strings.SplitN(clause, " BETWEEN ", 2)
		name := sub.resolveName(strings.TrimSpace(fields[0]))
		bounds := strings.SplitN(fields[1], " AND ", 2)
		lo, ok1 := sub.resolveValue(strings.TrimSpace(bounds[0]))
		hi, ok2 := sub.resolveValue(strings.TrimSpace(bounds[1]))
		if !ok1 || !ok2 {
			return false, fmt.Errorf("unresolved BETWEEN bounds in %q", clause)
		}
		cur, ok := it[name]
		if !ok {
			return false, nil
		}
		cmpLo, err := compare(cur, lo)
		if err != nil {
			return false, err
		}
		cmpHi, err := compare(cur, hi)
		if err != nil {
			return false, err
		}
		return cmpLo >= 0 && cmpHi <= 0, nil
	default:
		for _, op := range []string{"<>", "<=", ">=", "=", "<", ">"} {
			if idx := strings.Index(clause, " "+op+" "); idx >= 0 {
				lhs := sub.resolveName(strings.TrimSpace(clause[:idx]))
				rhsTok := strings.TrimSpace(clause[idx+len(op)+2:])
				rhs, ok := sub.resolveValue(rhsTok)
				if !ok {
					return false, fmt.Errorf("unresolved value placeholder in %q", clause)
				}
				cur, ok := it[lhs]
				if !ok {
					return op == "<>", nil
				}
				c, err := compare(cur, rhs)
				if err != nil {
					return false, err
				}
				switch op {
				case "=":
					return c == 0, nil
				case "<>":
					return c != 0, nil
				case "<":
					return c < 0, nil
				case "<=":
					return c <= 0, nil
				case ">":
					return c > 0, nil
				case ">=":
					return c >= 0, nil
				}
			}
		}
	}
	return false, fmt.Errorf("unsupported condition clause: %q", clause)
}

func splitArgs(s string) []string {
	return strings.SplitN(s, ",", 2)
}

func asString(v types.AttributeValue) (string, error) {
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("expected string attribute, got %T", v)
	}
	return s.Value, nil
}

func compare(a, b types.AttributeValue) (int, error) {
	as, aok := a.(*types.AttributeValueMemberS)
	bs, bok := b.(*types.AttributeValueMemberS)
	if aok && bok {
		return strings.Compare(as.Value, bs.Value), nil
	}
	an, aok := a.(*types.AttributeValueMemberN)
	bn, bok := b.(*types.AttributeValueMemberN)
	if aok && bok {
		af, err := strconv.ParseFloat(an.Value, 64)
		if err != nil {
			return 0, err
		}
		bf, err := strconv.ParseFloat(bn.Value, 64)
		if err != nil {
			return 0, err
		}
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}
	return 0, fmt.Errorf("cannot compare attribute values of differing/unsupported types")
}

// applyUpdate mutates it per an UpdateExpression of the form emitted by
// expression.Builder: "SET a = :a, b = :b REMOVE c ADD d :d".
func applyUpdate(expr string, it item, sub substitutions) (item, error) {
	out := clone(it)
	var clause string
	sections := tokenizeUpdateSections(expr)
	for _, sec := range sections {
		clause = sec.body
		switch sec.keyword {
		case "SET":
			for _, assign := range splitTopLevelComma(clause) {
				eq := strings.Index(assign, "=")
				if eq < 0 {
					return nil, fmt.Errorf("malformed SET clause: %q", assign)
				}
				name := sub.resolveName(strings.TrimSpace(assign[:eq]))
				rhs := strings.TrimSpace(assign[eq+1:])
				val, ok := sub.resolveValue(rhs)
				if !ok {
					return nil, fmt.Errorf("unresolved SET value %q", rhs)
				}
				out[name] = val
			}
		case "REMOVE":
			for _, name := range splitTopLevelComma(clause) {
				delete(out, sub.resolveName(strings.TrimSpace(name)))
			}
		case "ADD":
			for _, assign := range splitTopLevelComma(clause) {
				fields := strings.Fields(assign)
				if len(fields) != 2 {
					return nil, fmt.Errorf("malformed ADD clause: %q", assign)
				}
				name := sub.resolveName(fields[0])
				val, ok := sub.resolveValue(fields[1])
				if !ok {
					return nil, fmt.Errorf("unresolved ADD value %q", fields[1])
				}
				if err := addInPlace(out, name, val); err != nil {
					return nil, err
				}
			}
		case "DELETE":
			for _, assign := range splitTopLevelComma(clause) {
				fields := strings.Fields(assign)
				name := sub.resolveName(fields[0])
				delete(out, name)
			}
		}
	}
	return out, nil
}

type updateSection struct {
	keyword string
	body    string
}

func tokenizeUpdateSections(expr string) []updateSection {
	var sections []updateSection
	keywords := []string{"SET", "REMOVE", "ADD", "DELETE"}
	positions := []int{}
	for _, kw := range keywords {
		if idx := indexWord(expr, kw); idx >= 0 {
			positions = append(positions, idx)
		}
	}
	sortInts(positions)
	for i, pos := range positions {
		end := len(expr)
		if i+1 < len(positions) {
			end = positions[i+1]
		}
		segment := strings.TrimSpace(expr[pos:end])
		for _, kw := range keywords {
			if strings.HasPrefix(segment, kw+" ") {
				sections = append(sections, updateSection{keyword: kw, body: strings.TrimSpace(segment[len(kw):])})
				break
			}
		}
	}
	return sections
}

func indexWord(s, word string) int {
	idx := strings.Index(s, word)
	for idx >= 0 {
		before := idx == 0 || s[idx-1] == ' '
		after := idx+len(word) < len(s) && s[idx+len(word)] == ' '
		if before && after {
			return idx
		}
		next := strings.Index(s[idx+1:], word)
		if next < 0 {
			return -1
		}
		idx = idx + 1 + next
	}
	return -1
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}

func splitTopLevelComma(s string) []string {
	return strings.Split(s, ", ")
}

func addInPlace(it item, name string, delta types.AttributeValue) error {
	dn, ok := delta.(*types.AttributeValueMemberN)
	if !ok {
		return fmt.Errorf("ADD only supported for numeric attributes, got %T", delta)
	}
	deltaF, err := strconv.ParseFloat(dn.Value, 64)
	if err != nil {
		return err
	}
	cur, ok := it[name]
	if !ok {
		it[name] = delta
		return nil
	}
	cn, ok := cur.(*types.AttributeValueMemberN)
	if !ok {
		return fmt.Errorf("ADD target %s is not numeric", name)
	}
	curF, err := strconv.ParseFloat(cn.Value, 64)
	if err != nil {
		return err
	}
	it[name] = &types.AttributeValueMemberN{Value: formatFloat(curF + deltaF)}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
