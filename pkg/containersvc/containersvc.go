// Package containersvc implements the Container Service Client: register
// task definitions, run tasks with overrides, and describe/stop/list
// them. It is backed by Amazon ECS via aws-sdk-go. The dispatcher and the
// detached session core both drive workers through this client, never
// the AWS SDK directly — RunTask's failure semantics (no partial-success
// silent-accept, §4.2) are enforced here once for both callers.
package containersvc

import (
	"context"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs/cloudwatchlogsiface"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/ecs/ecsiface"

	"github.com/cuemby/cloudburst/pkg/errs"
	"github.com/cuemby/cloudburst/pkg/retry"
)

// LaunchKind selects how a task is placed: on Fargate (serverless) or on
// an instance-backed capacity provider (warm pool).
type LaunchKind int

const (
	Serverless LaunchKind = iota
	Instance
)

// Architecture is the CPU architecture a task definition targets.
type Architecture string

const (
	ArchX86_64 Architecture = "X86_64"
	ArchARM64  Architecture = "ARM64"
)

// TaskDefSpec describes a task definition to register or match.
type TaskDefSpec struct {
	Family         string
	ImageRef       string
	CPUUnits       int // thousandths of a vCPU, e.g. 1024 = 1 vCPU
	MemoryMiB      int
	LaunchKind     LaunchKind
	Architecture   Architecture
	LogGroup       string
	ExecutionRole  string
	TaskRole       string
	EnvKeys        []string // env var names the container expects; values supplied per-run
}

// NetConfig is the network configuration for RunTask: subnets/security
// groups, and whether to assign a public IP (required for Serverless
// egress to the object store; omitted for Instance launches).
type NetConfig struct {
	Subnets         []string
	SecurityGroups  []string
	AssignPublicIP  bool
}

// LaunchSelector is either a launch-type token (Serverless) or a capacity
// provider strategy (Instance).
type LaunchSelector struct {
	LaunchType              string // "FARGATE" when set
	CapacityProviderName    string // set for Instance launches
	CapacityProviderWeight  int64
}

// RunResult is the outcome of RunTask.
type RunResult struct {
	StartedARNs []string
}

// Client is the contract the dispatcher, session core, and task
// definition cache program against.
type Client interface {
	RegisterTaskDefinition(ctx context.Context, spec TaskDefSpec) (arn string, err error)
	ListTaskDefinitions(ctx context.Context, family string, limit int64) (arns []string, err error)
	DescribeTaskDefinition(ctx context.Context, arn string) (*TaskDefSpec, error)
	RunTask(ctx context.Context, cluster, defARN string, count int64, net NetConfig, env map[string]string, sel LaunchSelector) (RunResult, error)
	ListTasks(ctx context.Context, cluster string, family string) ([]string, error)
	DescribeTasks(ctx context.Context, cluster string, arns []string) ([]TaskInfo, error)
	StopTask(ctx context.Context, cluster, arn, reason string) error
}

// TaskInfo is a container-task status snapshot.
type TaskInfo struct {
	ARN           string
	LastStatus    string
	DesiredStatus string
}

// ECSClient implements Client against a single cluster's ECS API surface.
// It also carries a CloudWatch Logs client: RegisterTaskDefinition ensures
// a task definition's log group exists before pointing a container at it,
// since ECS never creates one on a worker's behalf.
type ECSClient struct {
	api     ecsiface.ECSAPI
	logsAPI cloudwatchlogsiface.CloudWatchLogsAPI
	retry   retry.Policy

	ensuredGroups sync.Map // LogGroup name -> struct{}, avoids a redundant API call per registration
}

func New(sess *session.Session) *ECSClient {
	return &ECSClient{api: ecs.New(sess), logsAPI: cloudwatchlogs.New(sess), retry: retry.Default(isRetryable)}
}

func NewWithAPI(api ecsiface.ECSAPI, logsAPI cloudwatchlogsiface.CloudWatchLogsAPI) *ECSClient {
	return &ECSClient{api: api, logsAPI: logsAPI, retry: retry.Default(isRetryable)}
}

func isRetryable(err error) bool {
	// Mirrors objectstore's classification: throttling/5xx/unavailable are
	// transient; anything else (bad image ref, missing role) is not.
	type awsErr interface{ Code() string }
	aerr, ok := err.(awsErr)
	if !ok {
		return false
	}
	switch aerr.Code() {
	case "ThrottlingException", "ServerException", "ServiceUnavailable", "LimitExceededException":
		return true
	default:
		return false
	}
}

// ensureLogGroup creates spec.LogGroup if it doesn't already exist (§4.3:
// "the log group is ensured to exist"). Idempotent: a concurrent creator
// racing us is not an error.
func (c *ECSClient) ensureLogGroup(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	if _, ok := c.ensuredGroups.Load(name); ok {
		return nil
	}

	_, err := c.logsAPI.CreateLogGroupWithContext(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(name),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == cloudwatchlogs.ErrCodeResourceAlreadyExistsException {
			c.ensuredGroups.Store(name, struct{}{})
			return nil
		}
		return err
	}
	c.ensuredGroups.Store(name, struct{}{})
	return nil
}

func (c *ECSClient) RegisterTaskDefinition(ctx context.Context, spec TaskDefSpec) (string, error) {
	if err := c.ensureLogGroup(ctx, spec.LogGroup); err != nil {
		return "", errs.E(errs.Fatal, "ensure log group "+spec.LogGroup, err)
	}

	var arn string
	err := c.retry.Do(ctx, "RegisterTaskDefinition", func() error {
		envs := make([]*ecs.KeyValuePair, 0, len(spec.EnvKeys))
		for _, k := range spec.EnvKeys {
			envs = append(envs, &ecs.KeyValuePair{Name: aws.String(k), Value: aws.String("")})
		}

		logOpts := map[string]*string{
			"awslogs-group":         aws.String(spec.LogGroup),
			"awslogs-stream-prefix": aws.String(spec.Family),
		}

		compat := []*string{aws.String(ecs.CompatibilityFargate)}
		var runtimePlatform *ecs.RuntimePlatform
		if spec.LaunchKind == Instance {
			compat = []*string{aws.String(ecs.CompatibilityEc2)}
			runtimePlatform = &ecs.RuntimePlatform{
				CpuArchitecture:       aws.String(string(spec.Architecture)),
				OperatingSystemFamily: aws.String(ecs.OSFamilyLinux),
			}
		}

		input := &ecs.RegisterTaskDefinitionInput{
			Family:                  aws.String(spec.Family),
			Cpu:                     aws.String(itoa(spec.CPUUnits)),
			Memory:                  aws.String(itoa(spec.MemoryMiB)),
			RequiresCompatibilities: compat,
			ExecutionRoleArn:        aws.String(spec.ExecutionRole),
			TaskRoleArn:             aws.String(spec.TaskRole),
			NetworkMode:             aws.String(ecs.NetworkModeAwsvpc),
			RuntimePlatform:         runtimePlatform,
			ContainerDefinitions: []*ecs.ContainerDefinition{
				{
					Name:        aws.String(spec.Family),
					Image:       aws.String(spec.ImageRef),
					Essential:   aws.Bool(true),
					Environment: envs,
					LogConfiguration: &ecs.LogConfiguration{
						LogDriver: aws.String(ecs.LogDriverAwslogs),
						Options:   logOpts,
					},
				},
			},
		}
		out, err := c.api.RegisterTaskDefinitionWithContext(ctx, input)
		if err != nil {
			return err
		}
		arn = aws.StringValue(out.TaskDefinition.TaskDefinitionArn)
		return nil
	})
	return arn, err
}

func (c *ECSClient) ListTaskDefinitions(ctx context.Context, family string, limit int64) ([]string, error) {
	var arns []string
	err := c.retry.Do(ctx, "ListTaskDefinitions", func() error {
		out, err := c.api.ListTaskDefinitionsWithContext(ctx, &ecs.ListTaskDefinitionsInput{
			FamilyPrefix: aws.String(family),
			Sort:         aws.String(ecs.SortOrderDesc),
			MaxResults:   aws.Int64(limit),
			Status:       aws.String(ecs.TaskDefinitionStatusActive),
		})
		if err != nil {
			return err
		}
		for _, a := range out.TaskDefinitionArns {
			arns = append(arns, aws.StringValue(a))
		}
		return nil
	})
	return arns, err
}

func (c *ECSClient) DescribeTaskDefinition(ctx context.Context, arn string) (*TaskDefSpec, error) {
	var spec TaskDefSpec
	err := c.retry.Do(ctx, "DescribeTaskDefinition", func() error {
		out, err := c.api.DescribeTaskDefinitionWithContext(ctx, &ecs.DescribeTaskDefinitionInput{
			TaskDefinition: aws.String(arn),
		})
		if err != nil {
			return err
		}
		td := out.TaskDefinition
		if len(td.ContainerDefinitions) == 0 {
			return errs.E(errs.Fatal, "DescribeTaskDefinition "+arn, nil)
		}
		cd := td.ContainerDefinitions[0]
		spec = TaskDefSpec{
			Family:        aws.StringValue(td.Family),
			ImageRef:      aws.StringValue(cd.Image),
			ExecutionRole: aws.StringValue(td.ExecutionRoleArn),
			TaskRole:      aws.StringValue(td.TaskRoleArn),
		}
		if td.Cpu != nil {
			spec.CPUUnits = atoi(*td.Cpu)
		}
		if td.Memory != nil {
			spec.MemoryMiB = atoi(*td.Memory)
		}
		for _, rc := range td.RequiresCompatibilities {
			if aws.StringValue(rc) == ecs.CompatibilityEc2 {
				spec.LaunchKind = Instance
			}
		}
		if td.RuntimePlatform != nil {
			spec.Architecture = Architecture(aws.StringValue(td.RuntimePlatform.CpuArchitecture))
		} else {
			spec.Architecture = ArchX86_64
		}
		return nil
	})
	return &spec, err
}

func (c *ECSClient) RunTask(ctx context.Context, cluster, defARN string, count int64, net NetConfig, env map[string]string, sel LaunchSelector) (RunResult, error) {
	var result RunResult
	err := c.retry.Do(ctx, "RunTask", func() error {
		overrides := make([]*ecs.KeyValuePair, 0, len(env))
		for k, v := range env {
			overrides = append(overrides, &ecs.KeyValuePair{Name: aws.String(k), Value: aws.String(v)})
		}

		assign := ecs.AssignPublicIpDisabled
		if net.AssignPublicIP {
			assign = ecs.AssignPublicIpEnabled
		}

		input := &ecs.RunTaskInput{
			Cluster:        aws.String(cluster),
			TaskDefinition: aws.String(defARN),
			Count:          aws.Int64(count),
			NetworkConfiguration: &ecs.NetworkConfiguration{
				AwsvpcConfiguration: &ecs.AwsVpcConfiguration{
					Subnets:        aws.StringSlice(net.Subnets),
					SecurityGroups: aws.StringSlice(net.SecurityGroups),
					AssignPublicIp: aws.String(assign),
				},
			},
			Overrides: &ecs.TaskOverride{
				ContainerOverrides: []*ecs.ContainerOverride{
					{Environment: overrides},
				},
			},
		}
		if sel.CapacityProviderName != "" {
			input.CapacityProviderStrategy = []*ecs.CapacityProviderStrategyItem{
				{CapacityProvider: aws.String(sel.CapacityProviderName), Weight: aws.Int64(sel.CapacityProviderWeight)},
			}
		} else {
			input.LaunchType = aws.String(sel.LaunchType)
		}

		out, err := c.api.RunTaskWithContext(ctx, input)
		if err != nil {
			return err
		}
		if len(out.Failures) > 0 {
			f := out.Failures[0]
			return errs.E(errs.LaunchRejected, "RunTask cluster="+cluster,
				errFromFailure(aws.StringValue(f.Reason), aws.StringValue(f.Detail)))
		}
		for _, t := range out.Tasks {
			result.StartedARNs = append(result.StartedARNs, aws.StringValue(t.TaskArn))
		}
		return nil
	})
	return result, err
}

func (c *ECSClient) ListTasks(ctx context.Context, cluster string, family string) ([]string, error) {
	var arns []string
	err := c.retry.Do(ctx, "ListTasks", func() error {
		out, err := c.api.ListTasksWithContext(ctx, &ecs.ListTasksInput{
			Cluster: aws.String(cluster),
			Family:  aws.String(family),
		})
		if err != nil {
			return err
		}
		for _, a := range out.TaskArns {
			arns = append(arns, aws.StringValue(a))
		}
		return nil
	})
	return arns, err
}

func (c *ECSClient) DescribeTasks(ctx context.Context, cluster string, arns []string) ([]TaskInfo, error) {
	var infos []TaskInfo
	if len(arns) == 0 {
		return infos, nil
	}
	err := c.retry.Do(ctx, "DescribeTasks", func() error {
		out, err := c.api.DescribeTasksWithContext(ctx, &ecs.DescribeTasksInput{
			Cluster: aws.String(cluster),
			Tasks:   aws.StringSlice(arns),
		})
		if err != nil {
			return err
		}
		infos = infos[:0]
		for _, t := range out.Tasks {
			infos = append(infos, TaskInfo{
				ARN:           aws.StringValue(t.TaskArn),
				LastStatus:    aws.StringValue(t.LastStatus),
				DesiredStatus: aws.StringValue(t.DesiredStatus),
			})
		}
		return nil
	})
	return infos, err
}

func (c *ECSClient) StopTask(ctx context.Context, cluster, arn, reason string) error {
	return c.retry.Do(ctx, "StopTask", func() error {
		_, err := c.api.StopTaskWithContext(ctx, &ecs.StopTaskInput{
			Cluster: aws.String(cluster),
			Task:    aws.String(arn),
			Reason:  aws.String(reason),
		})
		return err
	})
}

type launchFailure struct{ reason, detail string }

func (f launchFailure) Error() string { return f.reason + ": " + f.detail }

func errFromFailure(reason, detail string) error {
	return launchFailure{reason: reason, detail: detail}
}

func itoa(n int) string { return strconv.Itoa(n) }

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
