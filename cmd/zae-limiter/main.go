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

// zae-limiter is the operator CLI: entity and config administration,
// one-shot acquires, and table status, against the same repository the
// library uses.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/zeroae/zae-limiter/pkg/apis/limits"
	"github.com/zeroae/zae-limiter/pkg/errors"
	"github.com/zeroae/zae-limiter/pkg/limiter"
	"github.com/zeroae/zae-limiter/pkg/repository"
	"github.com/zeroae/zae-limiter/pkg/schema"
	"github.com/zeroae/zae-limiter/pkg/utils/env"
	"github.com/zeroae/zae-limiter/pkg/utils/log"
)

const (
	exitOK       = 0
	exitGeneral  = 1
	exitUsage    = 2
	exitStore    = 3
	exitNotFound = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return exitGeneral
	}
	defer func() { _ = logger.Sync() }()
	ctx := log.IntoContext(context.Background(), logger.Sugar())

	repo, err := repository.NewDefaultDynamoDB(ctx, repository.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return exitStore
	}
	defer func() { _ = repo.Close() }()
	ns := env.WithDefaultString("ZAE_LIMITER_NAMESPACE", "default")

	err = dispatch(ctx, repo, ns, args[0], args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
	}
	return exitCode(err)
}

func dispatch(ctx context.Context, repo *repository.DynamoDB, ns, command string, args []string) error {
	switch command {
	case "entity":
		return entityCommand(ctx, repo, ns, args)
	case "limits":
		return limitsCommand(ctx, repo, ns, args)
	case "system":
		return systemCommand(ctx, repo, ns, args)
	case "acquire":
		return acquireCommand(ctx, repo, ns, args)
	case "peek":
		return peekCommand(ctx, repo, ns, args)
	case "status":
		return statusCommand(ctx, repo, ns)
	default:
		usage()
		return errors.Validationf("unknown command %q", command)
	}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	e, ok := errors.AsError(err)
	if !ok {
		return exitGeneral
	}
	switch e.Kind {
	case errors.KindValidation:
		return exitUsage
	case errors.KindRateLimiterUnavailable:
		return exitStore
	case errors.KindEntityNotFound, errors.KindConfigMissing:
		return exitNotFound
	default:
		return exitGeneral
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(`
usage: zae-limiter <command> [flags]

commands:
  entity create|get|delete|children   manage entities
  limits get|set|delete               manage entity-level limits
  system get|set                      manage namespace defaults
  acquire                             consume tokens once and commit
  peek                                show available tokens
  status                              table reachability and version

environment:
  ZAE_LIMITER_TABLE, ZAE_LIMITER_ENDPOINT, ZAE_LIMITER_NAMESPACE, AWS_*
`))
}

func entityCommand(ctx context.Context, repo *repository.DynamoDB, ns string, args []string) error {
	if len(args) == 0 {
		return errors.Validationf("entity requires a subcommand: create|get|delete|children")
	}
	fs := flag.NewFlagSet("entity "+args[0], flag.ContinueOnError)
	id := fs.String("id", "", "entity identifier")
	name := fs.String("name", "", "display name")
	parent := fs.String("parent", "", "parent entity identifier")
	cascade := fs.Bool("cascade", false, "consume from the parent's buckets too")
	principal := fs.String("principal", "cli", "audit principal")
	if err := fs.Parse(args[1:]); err != nil {
		return errors.Validation(err)
	}
	if *id == "" {
		return errors.Validationf("-id is required")
	}

	switch args[0] {
	case "create":
		return repo.CreateEntity(ctx, ns, limits.Entity{
			ID: *id, Name: *name, ParentID: *parent, Cascade: *cascade,
		}, *principal)
	case "get":
		entity, err := repo.GetEntity(ctx, ns, *id)
		if err != nil {
			return err
		}
		if entity == nil {
			return errors.EntityNotFound(*id)
		}
		printEntity(*entity)
		return nil
	case "delete":
		return repo.DeleteEntity(ctx, ns, *id, *principal)
	case "children":
		children, err := repo.GetChildren(ctx, ns, *id)
		if err != nil {
			return err
		}
		for _, child := range children {
			printEntity(child)
		}
		return nil
	default:
		return errors.Validationf("unknown entity subcommand %q", args[0])
	}
}

func limitsCommand(ctx context.Context, repo *repository.DynamoDB, ns string, args []string) error {
	if len(args) == 0 {
		return errors.Validationf("limits requires a subcommand: get|set|delete")
	}
	fs := flag.NewFlagSet("limits "+args[0], flag.ContinueOnError)
	entity := fs.String("entity", "", "entity identifier")
	resource := fs.String("resource", "", "resource name (omit for the entity-wide default)")
	spec := fs.String("limits", "", "limit spec: name=capacity[:burst[:amount/period]][,...]")
	policy := fs.String("on-unavailable", "", "failure policy: block or allow")
	principal := fs.String("principal", "cli", "audit principal")
	if err := fs.Parse(args[1:]); err != nil {
		return errors.Validation(err)
	}
	if *entity == "" {
		return errors.Validationf("-entity is required")
	}
	resourceOrDefault := lo.Ternary(*resource != "", *resource, schema.ConfigDefault)

	switch args[0] {
	case "get":
		resolved, err := repo.ResolveLimits(ctx, ns, *entity, lo.Ternary(*resource != "", *resource, "default"))
		if err != nil {
			return err
		}
		printResolved(resolved)
		return nil
	case "set":
		set, err := parseLimitSpec(*spec)
		if err != nil {
			return err
		}
		return repo.PutEntityConfig(ctx, ns, *entity, resourceOrDefault, set, limits.OnUnavailable(*policy), 0, *principal)
	case "delete":
		return repo.DeleteEntityConfig(ctx, ns, *entity, resourceOrDefault, *principal)
	default:
		return errors.Validationf("unknown limits subcommand %q", args[0])
	}
}

func systemCommand(ctx context.Context, repo *repository.DynamoDB, ns string, args []string) error {
	if len(args) == 0 {
		return errors.Validationf("system requires a subcommand: get|set")
	}
	fs := flag.NewFlagSet("system "+args[0], flag.ContinueOnError)
	spec := fs.String("limits", "", "limit spec: name=capacity[:burst[:amount/period]][,...]")
	policy := fs.String("on-unavailable", "", "failure policy: block or allow")
	principal := fs.String("principal", "cli", "audit principal")
	if err := fs.Parse(args[1:]); err != nil {
		return errors.Validation(err)
	}

	switch args[0] {
	case "get":
		// A throwaway probe id cannot match entity or resource levels, so
		// the resolution can only surface the system record.
		probe := "probe-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		resolved, err := repo.ResolveLimits(ctx, ns, probe, "probe"+strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
		if err != nil {
			return err
		}
		if resolved.Source == limits.SourceNone {
			return errors.ConfigMissing("system", "any")
		}
		printResolved(resolved)
		return nil
	case "set":
		set, err := parseLimitSpec(*spec)
		if err != nil {
			return err
		}
		return repo.PutSystemConfig(ctx, ns, set, limits.OnUnavailable(*policy), *principal)
	default:
		return errors.Validationf("unknown system subcommand %q", args[0])
	}
}

func acquireCommand(ctx context.Context, repo *repository.DynamoDB, ns string, args []string) error {
	fs := flag.NewFlagSet("acquire", flag.ContinueOnError)
	entity := fs.String("entity", "", "entity identifier")
	resource := fs.String("resource", "", "resource name")
	consumeSpec := fs.String("consume", "", "consume spec: name=amount[,...]")
	if err := fs.Parse(args); err != nil {
		return errors.Validation(err)
	}
	if *entity == "" || *resource == "" || *consumeSpec == "" {
		return errors.Validationf("-entity, -resource and -consume are required")
	}
	consume, err := parseConsumeSpec(*consumeSpec)
	if err != nil {
		return err
	}

	lim, err := limiter.New(ctx, repo, limiter.WithNamespace(ns))
	if err != nil {
		return err
	}
	lease, err := lim.Acquire(ctx, *entity, *resource, consume)
	if err != nil {
		if e, ok := errors.AsError(err); ok && e.Kind == errors.KindRateLimitExceeded {
			fmt.Printf("denied retry-after=%ss\n", e.RetryAfterHeader())
			for _, v := range e.Violations {
				fmt.Printf("  %s\n", v)
			}
		}
		return err
	}
	if err := lease.Commit(ctx); err != nil {
		return err
	}
	fmt.Println("allowed")
	return nil
}

func peekCommand(ctx context.Context, repo *repository.DynamoDB, ns string, args []string) error {
	fs := flag.NewFlagSet("peek", flag.ContinueOnError)
	entity := fs.String("entity", "", "entity identifier")
	resource := fs.String("resource", "", "resource name")
	if err := fs.Parse(args); err != nil {
		return errors.Validation(err)
	}
	if *entity == "" || *resource == "" {
		return errors.Validationf("-entity and -resource are required")
	}
	lim, err := limiter.New(ctx, repo, limiter.WithNamespace(ns))
	if err != nil {
		return err
	}
	available, err := lim.Peek(ctx, *entity, *resource)
	if err != nil {
		return err
	}
	for _, name := range sortedNames(available) {
		fmt.Printf("%s %.3f\n", name, available[name])
	}
	return nil
}

func statusCommand(ctx context.Context, repo *repository.DynamoDB, ns string) error {
	if err := repo.Ping(ctx); err != nil {
		return errors.RateLimiterUnavailable(err)
	}
	fmt.Println("table reachable")
	v, err := repo.GetVersion(ctx, ns)
	if err != nil {
		return err
	}
	if v == nil {
		fmt.Println("version record absent (fresh table)")
		return nil
	}
	fmt.Printf("schema=%s min-client=%s updated-by=%s updated-at=%s\n",
		v.SchemaVersion, v.MinClientVersion, v.UpdatedBy, v.UpdatedAt.Format(time.RFC3339))
	return repo.CheckVersion(ctx, ns)
}

func printEntity(e limits.Entity) {
	line := e.ID
	if e.Name != "" {
		line += fmt.Sprintf(" name=%q", e.Name)
	}
	if e.ParentID != "" {
		line += fmt.Sprintf(" parent=%s cascade=%t", e.ParentID, e.Cascade)
	}
	fmt.Println(line)
}

func printResolved(resolved limits.ResolvedConfig) {
	fmt.Printf("source=%s on-unavailable=%s\n", resolved.Source, resolved.OnUnavailable)
	for _, name := range sortedNames(resolved.Limits) {
		l := resolved.Limits[name]
		fmt.Printf("  %s capacity=%d burst=%d refill=%d/%s\n", name, l.Capacity, l.Burst, l.RefillAmount, l.RefillPeriod)
	}
}

func sortedNames[V any](m map[string]V) []string {
	names := lo.Keys(m)
	sort.Strings(names)
	return names
}

// parseLimitSpec reads "rpm=100:150:100/1m,tpm=1000" into a limit set.
// Omitted burst defaults to capacity; omitted refill defaults to
// capacity per minute.
func parseLimitSpec(spec string) (limits.LimitSet, error) {
	if spec == "" {
		return nil, errors.Validationf("-limits is required")
	}
	set := limits.LimitSet{}
	for _, entry := range strings.Split(spec, ",") {
		name, value, found := strings.Cut(entry, "=")
		if !found {
			return nil, errors.Validationf("limit entry %q must be name=capacity[:burst[:amount/period]]", entry)
		}
		parts := strings.Split(value, ":")
		capacity, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return nil, errors.Validationf("capacity in %q must be an integer", entry)
		}
		l := limits.Limit{Capacity: capacity, RefillAmount: capacity, RefillPeriod: time.Minute}
		if len(parts) > 1 {
			if l.Burst, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
				return nil, errors.Validationf("burst in %q must be an integer", entry)
			}
		}
		if len(parts) > 2 {
			amount, period, found := strings.Cut(parts[2], "/")
			if !found {
				return nil, errors.Validationf("refill in %q must be amount/period", entry)
			}
			if l.RefillAmount, err = strconv.ParseInt(amount, 10, 64); err != nil {
				return nil, errors.Validationf("refill amount in %q must be an integer", entry)
			}
			if l.RefillPeriod, err = time.ParseDuration(period); err != nil {
				return nil, errors.Validationf("refill period in %q must be a duration", entry)
			}
		}
		set[strings.TrimSpace(name)] = l
	}
	return set, nil
}

// parseConsumeSpec reads "rpm=1,tpm=250.5" into a consume map.
func parseConsumeSpec(spec string) (map[string]float64, error) {
	consume := map[string]float64{}
	for _, entry := range strings.Split(spec, ",") {
		name, value, found := strings.Cut(entry, "=")
		if !found {
			return nil, errors.Validationf("consume entry %q must be name=amount", entry)
		}
		amount, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, errors.Validationf("amount in %q must be numeric", entry)
		}
		consume[strings.TrimSpace(name)] = amount
	}
	return consume, nil
}
