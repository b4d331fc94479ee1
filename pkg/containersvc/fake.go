package containersvc

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/cloudburst/pkg/errs"
)

// Fake is an in-memory Client used by dispatcher, task definition cache,
// and pool tests in place of a live ECS cluster.
type Fake struct {
	mu sync.Mutex

	defs     map[string]TaskDefSpec // arn -> spec
	revision map[string]int         // family -> next revision
	tasks    map[string]TaskInfo    // arn -> info
	stopped  map[string]bool

	// RunTaskFailures, if positive, makes the next N RunTask calls fail
	// with a LaunchRejected error (used to exercise its propagation).
	RunTaskFailures int
}

func NewFake() *Fake {
	return &Fake{
		defs:     make(map[string]TaskDefSpec),
		revision: make(map[string]int),
		tasks:    make(map[string]TaskInfo),
		stopped:  make(map[string]bool),
	}
}

func (f *Fake) RegisterTaskDefinition(_ context.Context, spec TaskDefSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.revision[spec.Family]++
	arn := fmt.Sprintf("arn:aws:ecs:fake:task-definition/%s:%d", spec.Family, f.revision[spec.Family])
	f.defs[arn] = spec
	return arn, nil
}

func (f *Fake) ListTaskDefinitions(_ context.Context, family string, limit int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var arns []string
	for arn, spec := range f.defs {
		if spec.Family == family {
			arns = append(arns, arn)
		}
	}
	// Descending by revision: fake ARNs end in "/family:N".
	rev := func(arn string) int {
		n, _ := strconv.Atoi(arn[strings.LastIndex(arn, ":")+1:])
		return n
	}
	sort.Slice(arns, func(i, j int) bool { return rev(arns[i]) > rev(arns[j]) })
	if int64(len(arns)) > limit && limit > 0 {
		arns = arns[:limit]
	}
	return arns, nil
}

func (f *Fake) DescribeTaskDefinition(_ context.Context, arn string) (*TaskDefSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	spec, ok := f.defs[arn]
	if !ok {
		return nil, errs.E(errs.NotFound, "DescribeTaskDefinition "+arn, nil)
	}
	return &spec, nil
}

func (f *Fake) RunTask(_ context.Context, cluster, defARN string, count int64, net NetConfig, env map[string]string, sel LaunchSelector) (RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.RunTaskFailures > 0 {
		f.RunTaskFailures--
		return RunResult{}, errs.E(errs.LaunchRejected, "RunTask cluster="+cluster, fmt.Errorf("capacity unavailable"))
	}

	var arns []string
	for i := int64(0); i < count; i++ {
		arn := "arn:aws:ecs:fake:task/" + cluster + "/" + uuid.NewString()
		f.tasks[arn] = TaskInfo{ARN: arn, LastStatus: "RUNNING", DesiredStatus: "RUNNING"}
		arns = append(arns, arn)
	}
	return RunResult{StartedARNs: arns}, nil
}

func (f *Fake) ListTasks(_ context.Context, cluster string, family string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var arns []string
	for arn := range f.tasks {
		arns = append(arns, arn)
	}
	return arns, nil
}

func (f *Fake) DescribeTasks(_ context.Context, cluster string, arns []string) ([]TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var infos []TaskInfo
	for _, arn := range arns {
		if info, ok := f.tasks[arn]; ok {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func (f *Fake) StopTask(_ context.Context, cluster, arn, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, ok := f.tasks[arn]
	if !ok {
		return errs.E(errs.NotFound, "StopTask "+arn, nil)
	}
	info.LastStatus = "STOPPED"
	info.DesiredStatus = "STOPPED"
	f.tasks[arn] = info
	f.stopped[arn] = true
	return nil
}

var _ Client = (*Fake)(nil)
