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

package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/zeroae/zae-limiter/pkg/apis/limits"
	"github.com/zeroae/zae-limiter/pkg/bucket"
)

// Bucket items are flat: one top-level attribute per limit field, named
// b_{limit}_{code}. Short codes keep hot items small.
const (
	AttrRefillBaseline = "rf"
	AttrTTL            = "ttl"
	AttrEntityID       = "entity_id"
	AttrParentID       = "parent_id"
	AttrOnUnavailable  = "on_unavailable"

	limitPrefix = "b_"

	// CodeTokens and CodeTotalConsumed are the two limit fields the write
	// paths mutate; the rest are static after seeding.
	CodeTokens        = "tk"
	CodeTotalConsumed = "tc"

	codeTokens        = CodeTokens
	codeCapacity      = "cp"
	codeBurst         = "bx"
	codeRefillAmount  = "ra"
	codeRefillPeriod  = "rp"
	codeTotalConsumed = CodeTotalConsumed
)

// Secondary indexes. parent-index serves child listing off entity meta
// records; entity-index finds an entity's bucket items for the delete
// cascade (bucket partition keys embed the resource, so they cannot be
// enumerated by primary key alone).
const (
	ParentIndexName = "parent-index"
	EntityIndexName = "entity-index"
)

// LimitAttr renders the attribute name for one limit field.
func LimitAttr(limit, code string) string {
	return limitPrefix + limit + "_" + code
}

func numberAttr(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func floatAttr(v float64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(v, 'f', -1, 64)}
}

func stringAttr(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

// FormatNumber renders an int64 the way every numeric attribute in the
// table is stored.
func FormatNumber(v int64) string {
	return strconv.FormatInt(v, 10)
}

// FormatFloat renders the rf attribute, preserving fractional seconds.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// EncodeBucketState writes the full flat representation of a composite
// bucket item, keys included.
func EncodeBucketState(ns, entity, resource string, shard int, s *bucket.State) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		AttrPK:             stringAttr(PKBucket(ns, entity, resource, shard)),
		AttrSK:             stringAttr(SKState),
		AttrEntityID:       stringAttr(entity),
		AttrRefillBaseline: floatAttr(s.RefillBaseline),
	}
	if s.ExpiresAt > 0 {
		item[AttrTTL] = numberAttr(s.ExpiresAt)
	}
	for name, ls := range s.Limits {
		item[LimitAttr(name, codeTokens)] = numberAttr(ls.Tokens)
		item[LimitAttr(name, codeCapacity)] = numberAttr(ls.Capacity)
		item[LimitAttr(name, codeBurst)] = numberAttr(ls.Burst)
		item[LimitAttr(name, codeRefillAmount)] = numberAttr(ls.RefillAmount)
		item[LimitAttr(name, codeRefillPeriod)] = numberAttr(ls.RefillPeriod)
		item[LimitAttr(name, codeTotalConsumed)] = numberAttr(ls.TotalConsumed)
	}
	return item
}

// DecodeBucketState reconstructs a snapshot from a stored item by
// enumerating b_*_* attributes. Unknown attributes and unknown field codes
// are ignored for forward compatibility.
func DecodeBucketState(item map[string]types.AttributeValue) (*bucket.State, error) {
	s := &bucket.State{Limits: map[string]bucket.LimitState{}}
	for attr, av := range item {
		n, ok := av.(*types.AttributeValueMemberN)
		if !ok {
			continue
		}
		switch attr {
		case AttrRefillBaseline:
			v, err := strconv.ParseFloat(n.Value, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing %s, %w", attr, err)
			}
			s.RefillBaseline = v
			continue
		case AttrTTL:
			v, err := strconv.ParseInt(n.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing %s, %w", attr, err)
			}
			s.ExpiresAt = v
			continue
		}
		name, code, ok := splitLimitAttr(attr)
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(n.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing %s, %w", attr, err)
		}
		ls := s.Limits[name]
		switch code {
		case codeTokens:
			ls.Tokens = v
		case codeCapacity:
			ls.Capacity = v
		case codeBurst:
			ls.Burst = v
		case codeRefillAmount:
			ls.RefillAmount = v
		case codeRefillPeriod:
			ls.RefillPeriod = v
		case codeTotalConsumed:
			ls.TotalConsumed = v
		default:
			continue
		}
		s.Limits[name] = ls
	}
	return s, nil
}

func splitLimitAttr(attr string) (name, code string, ok bool) {
	rest, found := strings.CutPrefix(attr, limitPrefix)
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(rest, "_")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// EncodeLimitSet writes the static limit attributes of a config record
// (no token or consumed counters; those exist only on bucket items).
func EncodeLimitSet(item map[string]types.AttributeValue, set limits.LimitSet) {
	for name, l := range set.Normalize() {
		item[LimitAttr(name, codeCapacity)] = numberAttr(l.Capacity)
		item[LimitAttr(name, codeBurst)] = numberAttr(l.Burst)
		item[LimitAttr(name, codeRefillAmount)] = numberAttr(l.RefillAmount)
		item[LimitAttr(name, codeRefillPeriod)] = numberAttr(int64(l.RefillPeriod / time.Second))
	}
}

// DecodeConfigRecord reads a config item at any hierarchy level into the
// limits it defines, its failure policy, and whether the record is
// sync-owned (carries a ttl attribute).
func DecodeConfigRecord(item map[string]types.AttributeValue) (limits.LimitSet, limits.OnUnavailable, bool, error) {
	set := limits.LimitSet{}
	var policy limits.OnUnavailable
	var hasTTL bool
	for attr, av := range item {
		switch attr {
		case AttrOnUnavailable:
			if s, ok := av.(*types.AttributeValueMemberS); ok {
				policy = limits.OnUnavailable(s.Value)
			}
			continue
		case AttrTTL:
			hasTTL = true
			continue
		}
		name, code, ok := splitLimitAttr(attr)
		if !ok {
			continue
		}
		n, ok := av.(*types.AttributeValueMemberN)
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(n.Value, 10, 64)
		if err != nil {
			return nil, "", false, fmt.Errorf("parsing %s, %w", attr, err)
		}
		l := set[name]
		switch code {
		case codeCapacity:
			l.Capacity = v
		case codeBurst:
			l.Burst = v
		case codeRefillAmount:
			l.RefillAmount = v
		case codeRefillPeriod:
			l.RefillPeriod = time.Duration(v) * time.Second
		default:
			continue
		}
		set[name] = l
	}
	return set, policy, hasTTL, nil
}

// EntityRecord is the stored shape of an entity #META item.
type EntityRecord struct {
	PK       string            `dynamodbav:"PK"`
	SK       string            `dynamodbav:"SK"`
	EntityID string            `dynamodbav:"entity_id"`
	Name     string            `dynamodbav:"name,omitempty"`
	ParentID string            `dynamodbav:"parent_id,omitempty"`
	Cascade  bool              `dynamodbav:"cascade"`
	Metadata map[string]string `dynamodbav:"metadata,omitempty"`
}

// VersionRecord is the schema/compat record read on startup.
type VersionRecord struct {
	PK               string `dynamodbav:"PK"`
	SK               string `dynamodbav:"SK"`
	SchemaVersion    string `dynamodbav:"schema_version"`
	MinClientVersion string `dynamodbav:"min_client_version"`
	UpdatedBy        string `dynamodbav:"updated_by,omitempty"`
	UpdatedAt        string `dynamodbav:"updated_at,omitempty"`
}

// AuditRecord is an append-only, TTL-expiring event row.
type AuditRecord struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Action    string `dynamodbav:"action"`
	Name      string `dynamodbav:"name,omitempty"`
	Resource  string `dynamodbav:"resource,omitempty"`
	Timestamp string `dynamodbav:"timestamp"`
	Principal string `dynamodbav:"principal,omitempty"`
	Detail    string `dynamodbav:"detail,omitempty"`
	ExpiresAt int64  `dynamodbav:"ttl,omitempty"`
}
