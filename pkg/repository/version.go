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

package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/zeroae/zae-limiter/pkg/errors"
	"github.com/zeroae/zae-limiter/pkg/schema"
)

const (
	// SchemaVersion is the table layout this client writes: the composite
	// bucket form with the shared rf baseline.
	SchemaVersion = "2"
	// ClientVersion is compared against the stored min_client_version on
	// startup.
	ClientVersion = "2.1.0"
)

// GetVersion reads the #VERSION record, nil when the table has none.
func (d *DynamoDB) GetVersion(ctx context.Context, ns string) (*Version, error) {
	item, err := d.getItem(ctx, schema.PKSystem(ns), schema.SKVersion)
	if err != nil {
		return nil, fmt.Errorf("getting version record, %w", err)
	}
	if item == nil {
		return nil, nil
	}
	var record schema.VersionRecord
	if err := attributevalue.UnmarshalMap(item, &record); err != nil {
		return nil, fmt.Errorf("decoding version record, %w", err)
	}
	updatedAt, _ := time.Parse(time.RFC3339, record.UpdatedAt)
	return &Version{
		SchemaVersion:    record.SchemaVersion,
		MinClientVersion: record.MinClientVersion,
		UpdatedBy:        record.UpdatedBy,
		UpdatedAt:        updatedAt,
	}, nil
}

// PutVersion writes the #VERSION record; provisioning calls this once.
func (d *DynamoDB) PutVersion(ctx context.Context, ns string, v Version) error {
	record := schema.VersionRecord{
		PK:               schema.PKSystem(ns),
		SK:               schema.SKVersion,
		SchemaVersion:    v.SchemaVersion,
		MinClientVersion: v.MinClientVersion,
		UpdatedBy:        v.UpdatedBy,
		UpdatedAt:        v.UpdatedAt.UTC().Format(time.RFC3339),
	}
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("encoding version record, %w", err)
	}
	return d.do(ctx, "PutItem", func(ctx context.Context) error {
		_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(d.opts.TableName), Item: item})
		return err
	})
}

// CheckVersion verifies this client can work against the stored schema. A
// missing record means a fresh table and passes.
func (d *DynamoDB) CheckVersion(ctx context.Context, ns string) error {
	stored, err := d.GetVersion(ctx, ns)
	if err != nil {
		return err
	}
	if stored == nil {
		return nil
	}
	if major(stored.SchemaVersion) != major(SchemaVersion) {
		return errors.VersionMismatch("stored schema version %s is incompatible with client schema %s", stored.SchemaVersion, SchemaVersion)
	}
	if stored.MinClientVersion != "" && compareVersions(ClientVersion, stored.MinClientVersion) < 0 {
		return errors.VersionMismatch("client %s is older than required minimum %s", ClientVersion, stored.MinClientVersion)
	}
	return nil
}

func major(version string) string {
	return strings.SplitN(version, ".", 2)[0]
}

// compareVersions orders dotted numeric versions; missing segments count
// as zero.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
