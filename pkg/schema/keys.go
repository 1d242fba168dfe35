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

// Package schema owns the single-table layout: key construction, the flat
// bucket item codec, and reserved-word aliasing. The key grammar is
// bit-exact for compatibility with deployed tables.
package schema

import (
	"fmt"
)

const (
	AttrPK = "PK"
	AttrSK = "SK"

	SKMeta    = "#META"
	SKState   = "#STATE"
	SKConfig  = "#CONFIG"
	SKVersion = "#VERSION"

	// ConfigDefault is the pseudo-resource for an entity-wide default
	// config record.
	ConfigDefault = "_default_"

	// DefaultNamespace scopes keys of tenants that never set one. The
	// prefix is mandatory even for the default namespace.
	DefaultNamespace = "default"

	// DefaultShard is the bucket shard suffix until write-sharding of hot
	// parents is enabled.
	DefaultShard = 0

	// AuditSubjectSystem and AuditSubjectResourcePrefix name audit
	// partitions that are not entities.
	AuditSubjectSystem         = "$SYSTEM"
	AuditSubjectResourcePrefix = "$RESOURCE:"
)

func PKEntity(ns, id string) string {
	return fmt.Sprintf("%s/ENTITY#%s", ns, id)
}

func PKBucket(ns, entity, resource string, shard int) string {
	return fmt.Sprintf("%s/BUCKET#%s#%s#%d", ns, entity, resource, shard)
}

// PKBucketPrefix is the partition-key prefix shared by every bucket item
// of one entity, used by the delete cascade.
func PKBucketPrefix(ns, entity string) string {
	return fmt.Sprintf("%s/BUCKET#%s#", ns, entity)
}

func PKResource(ns, resource string) string {
	return fmt.Sprintf("%s/RESOURCE#%s", ns, resource)
}

func PKSystem(ns string) string {
	return fmt.Sprintf("%s/SYSTEM#", ns)
}

func PKAudit(ns, subject string) string {
	return fmt.Sprintf("%s/AUDIT#%s", ns, subject)
}

// AuditSubjectResource renders the audit subject for a resource-scoped
// mutation.
func AuditSubjectResource(resource string) string {
	return AuditSubjectResourcePrefix + resource
}

// SKEntityConfig is "#CONFIG#{resource}"; pass ConfigDefault for the
// entity-wide default record.
func SKEntityConfig(resource string) string {
	return fmt.Sprintf("%s#%s", SKConfig, resource)
}

func SKAudit(sortableID string) string {
	return fmt.Sprintf("#AUDIT#%s", sortableID)
}
