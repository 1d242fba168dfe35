/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fake

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// The fake evaluates the expression grammar the repository actually
// emits rather than the full DynamoDB language:
//
//	SET attr = :v [, ...] and ADD attr :v [, ...] updates
//	attribute_not_exists(attr)
//	attribute_not_exists(attr) OR attribute_exists(attr)
//	begins_with(attr, :v) string prefix matches
//	attr = :v AND attr >= :v ... numeric conjunctions
//
// Anything else panics loudly so a grammar change in the repository
// shows up as a test failure, not silent acceptance.

func resolveName(name string, names map[string]string) string {
	if alias, ok := names[name]; ok {
		return alias
	}
	return name
}

// parseEquality splits "attr = :placeholder", reporting ok=false when the
// expression is not a single equality.
func parseEquality(expression string) (attr, placeholder string, ok bool) {
	parts := strings.Split(expression, "=")
	if len(parts) != 2 {
		return "", "", false
	}
	attr, placeholder = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if !strings.HasPrefix(placeholder, ":") {
		return "", "", false
	}
	return attr, placeholder, true
}

func numeric(value types.AttributeValue) (float64, bool) {
	switch v := value.(type) {
	case *types.AttributeValueMemberN:
		f, err := strconv.ParseFloat(v.Value, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func evalCondition(item map[string]types.AttributeValue, expression string, names map[string]string, values map[string]types.AttributeValue) bool {
	if ors := strings.Split(expression, " OR "); len(ors) > 1 {
		for _, clause := range ors {
			if evalCondition(item, clause, names, values) {
				return true
			}
		}
		return false
	}
	for _, clause := range strings.Split(expression, " AND ") {
		if !evalComparison(item, strings.TrimSpace(clause), names, values) {
			return false
		}
	}
	return true
}

func evalComparison(item map[string]types.AttributeValue, clause string, names map[string]string, values map[string]types.AttributeValue) bool {
	switch {
	case strings.HasPrefix(clause, "attribute_not_exists(") && strings.HasSuffix(clause, ")"):
		attr := resolveName(clause[len("attribute_not_exists("):len(clause)-1], names)
		_, ok := item[attr]
		return item == nil || !ok
	case strings.HasPrefix(clause, "attribute_exists(") && strings.HasSuffix(clause, ")"):
		attr := resolveName(clause[len("attribute_exists("):len(clause)-1], names)
		_, ok := item[attr]
		return ok
	case strings.HasPrefix(clause, "begins_with(") && strings.HasSuffix(clause, ")"):
		args := strings.SplitN(clause[len("begins_with("):len(clause)-1], ",", 2)
		if len(args) != 2 {
			panic(fmt.Sprintf("fake dynamodb cannot evaluate condition %q", clause))
		}
		stored, sok := item[resolveName(strings.TrimSpace(args[0]), names)].(*types.AttributeValueMemberS)
		prefix, pok := values[strings.TrimSpace(args[1])].(*types.AttributeValueMemberS)
		return sok && pok && strings.HasPrefix(stored.Value, prefix.Value)
	case strings.Contains(clause, ">="):
		attr, placeholder := splitOperator(clause, ">=")
		left, lok := numeric(item[resolveName(attr, names)])
		right, rok := numeric(values[placeholder])
		return lok && rok && left >= right
	case strings.Contains(clause, "="):
		attr, placeholder, ok := parseEquality(clause)
		if !ok {
			panic(fmt.Sprintf("fake dynamodb cannot evaluate condition %q", clause))
		}
		left, lok := numeric(item[resolveName(attr, names)])
		right, rok := numeric(values[placeholder])
		if lok && rok {
			return left == right
		}
		stored, ok := item[resolveName(attr, names)].(*types.AttributeValueMemberS)
		want, wok := values[placeholder].(*types.AttributeValueMemberS)
		return ok && wok && stored.Value == want.Value
	default:
		panic(fmt.Sprintf("fake dynamodb cannot evaluate condition %q", clause))
	}
}

func splitOperator(clause, operator string) (attr, placeholder string) {
	parts := strings.SplitN(clause, operator, 2)
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// applyUpdate mutates item in place per a "SET a = :v, ... ADD b :d, ..."
// update expression. ADD on a missing attribute starts from zero, same as
// the real store.
func applyUpdate(item map[string]types.AttributeValue, expression string, names map[string]string, values map[string]types.AttributeValue) {
	sets, adds := splitUpdate(expression)
	for _, assignment := range splitList(sets) {
		attr, placeholder, ok := parseEquality(assignment)
		if !ok {
			panic(fmt.Sprintf("fake dynamodb cannot evaluate SET clause %q", assignment))
		}
		item[resolveName(attr, names)] = values[placeholder]
	}
	for _, addition := range splitList(adds) {
		fields := strings.Fields(addition)
		if len(fields) != 2 {
			panic(fmt.Sprintf("fake dynamodb cannot evaluate ADD clause %q", addition))
		}
		attr := resolveName(fields[0], names)
		delta, ok := numeric(values[fields[1]])
		if !ok {
			panic(fmt.Sprintf("fake dynamodb ADD requires a numeric value for %q", addition))
		}
		current, _ := numeric(item[attr])
		item[attr] = &types.AttributeValueMemberN{Value: formatNumber(current + delta)}
	}
}

// splitUpdate separates the SET and ADD sections; either may be absent.
func splitUpdate(expression string) (sets, adds string) {
	rest := strings.TrimSpace(expression)
	if i := strings.Index(rest, "ADD "); i >= 0 {
		adds = strings.TrimSpace(rest[i+len("ADD "):])
		rest = strings.TrimSpace(rest[:i])
	}
	sets = strings.TrimSpace(strings.TrimPrefix(rest, "SET "))
	return sets, adds
}

func splitList(section string) []string {
	if section == "" {
		return nil
	}
	parts := strings.Split(section, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// formatNumber renders integers without an exponent or trailing zeros so
// decoded attributes round-trip cleanly.
func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
