package sidecar

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/rs/zerolog"
)

// TargetType is how a target group addresses its targets.
type TargetType string

const (
	TargetTypeInstance TargetType = "instance"
	TargetTypeIP       TargetType = "ip"
)

// Binding ties one attached load balancer to the concrete identity and port
// its health checks are keyed on.
type Binding struct {
	TargetGroupARN string
	ContainerPort  int32

	// Derived by the resolver.
	TargetType TargetType
	Protocol   string // "tcp" or "udp"
	Port       int32
	Identity   string
}

// TaskContext is the resolver's output: every attached load balancer bound to
// a health-check identity. Immutable once built.
type TaskContext struct {
	Bindings       []Binding
	InstanceID     string // bridge mode only
	NetworkAddress string
}

// Resolve maps the task's network configuration to health-check identities.
// It runs exactly once at startup and never retries: context resolution
// failing is an environment problem that warrants a full restart, not
// operation-level patching.
func Resolve(ctx context.Context, snap *Snapshot, cfg Config, clients *AWSClients, logger zerolog.Logger) (*TaskContext, error) {
	serviceName, containerInstanceARN, err := describeTask(ctx, clients.ECS, snap)
	if err != nil {
		return nil, err
	}

	bindings, err := describeService(ctx, clients.ECS, snap, serviceName)
	if err != nil {
		return nil, err
	}

	switch snap.NetworkMode {
	case NetworkModeAWSVPC:
		return resolveAWSVPC(snap, bindings), nil
	case NetworkModeBridge:
		return resolveBridge(ctx, snap, cfg, clients, bindings, containerInstanceARN, logger)
	default:
		return nil, fatalf(KindContext, "task is not running in 'awsvpc' or 'bridge' mode: %s", snap.NetworkMode)
	}
}

// describeTask fetches the task description and extracts the owning service
// name and, when present, the container-instance ARN.
func describeTask(ctx context.Context, client ECSClient, snap *Snapshot) (string, string, error) {
	result, err := client.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(snap.Cluster),
		Tasks:   []string{snap.TaskARN},
	})
	if err != nil {
		return "", "", wrapFatal(KindAWSAccess, err, "describing task %s", snap.TaskARN)
	}
	if len(result.Tasks) == 0 {
		return "", "", fatalf(KindAWSAccess, "task %s not found in cluster %s", snap.TaskARN, snap.Cluster)
	}

	task := result.Tasks[0]
	group := aws.ToString(task.Group)
	if !strings.HasPrefix(group, "service:") {
		return "", "", fatalf(KindContext, "task is not in a service, task group: %s", group)
	}
	serviceName := strings.SplitN(group, ":", 2)[1]

	return serviceName, aws.ToString(task.ContainerInstanceArn), nil
}

// describeService fetches the service description and collects one binding
// per attached load balancer that carries a target group.
func describeService(ctx context.Context, client ECSClient, snap *Snapshot, serviceName string) ([]Binding, error) {
	result, err := client.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(snap.Cluster),
		Services: []string{serviceName},
	})
	if err != nil {
		return nil, wrapFatal(KindAWSAccess, err, "describing service %s", serviceName)
	}
	if len(result.Services) == 0 {
		return nil, fatalf(KindAWSAccess, "service %s not found in cluster %s", serviceName, snap.Cluster)
	}

	var bindings []Binding
	for _, lb := range result.Services[0].LoadBalancers {
		arn := aws.ToString(lb.TargetGroupArn)
		if arn == "" {
			continue
		}
		bindings = append(bindings, Binding{
			TargetGroupARN: arn,
			ContainerPort:  aws.ToInt32(lb.ContainerPort),
		})
	}
	if len(bindings) == 0 {
		return nil, fatalf(KindContext, "no NLB/ALB attached to service %s", serviceName)
	}

	return bindings, nil
}

// resolveAWSVPC binds everything to the task's own address: the task has its
// own network interface, so the container port is the host port.
func resolveAWSVPC(snap *Snapshot, bindings []Binding) *TaskContext {
	for i := range bindings {
		bindings[i].TargetType = TargetTypeIP
		bindings[i].Protocol = "tcp"
		bindings[i].Port = bindings[i].ContainerPort
		bindings[i].Identity = snap.PrimaryAddress
	}
	return &TaskContext{
		Bindings:       bindings,
		NetworkAddress: snap.PrimaryAddress,
	}
}

// resolveBridge binds through the hosting instance: container ports map to
// dynamic host ports, and instance-type target groups are keyed on the
// instance ID rather than its address.
func resolveBridge(ctx context.Context, snap *Snapshot, cfg Config, clients *AWSClients, bindings []Binding, containerInstanceARN string, logger zerolog.Logger) (*TaskContext, error) {
	if containerInstanceARN == "" {
		return nil, fatalf(KindContext, "task is running in 'bridge' mode but is not attached to a container instance")
	}

	instanceID, networkAddr, err := resolveInstance(ctx, clients, snap.Cluster, containerInstanceARN)
	if err != nil {
		return nil, err
	}

	targetTypes, targetProtocols, err := describeTargetGroups(ctx, clients.ELB, bindings)
	if err != nil {
		return nil, err
	}

	if cfg.TargetContainerName == "" {
		return nil, fatalf(KindContext, "environment variable TARGET_CONTAINER_NAME was not set, cannot determine host ports")
	}
	container, ok := snap.Container(cfg.TargetContainerName)
	if !ok {
		return nil, fatalf(KindContext, "TARGET_CONTAINER_NAME refers to a container (%s) that does not exist", cfg.TargetContainerName)
	}

	portsTCP, portsUDP, err := portTables(container)
	if err != nil {
		return nil, err
	}

	for i := range bindings {
		b := &bindings[i]
		b.TargetType = targetTypes[b.TargetGroupARN]
		b.Protocol = targetProtocols[b.TargetGroupARN]

		table := portsTCP
		if b.Protocol == "udp" {
			table = portsUDP
		}
		hostPort, ok := table[b.ContainerPort]
		if !ok {
			return nil, fatalf(KindContext, "container %s has no %s mapping for port %d", cfg.TargetContainerName, b.Protocol, b.ContainerPort)
		}
		b.Port = hostPort

		if b.TargetType == TargetTypeInstance {
			b.Identity = instanceID
		} else {
			b.Identity = networkAddr
		}

		logger.Debug().
			Str("target_group", b.TargetGroupARN).
			Str("identity", b.Identity).
			Int32("port", b.Port).
			Msg("resolved binding")
	}

	return &TaskContext{
		Bindings:       bindings,
		InstanceID:     instanceID,
		NetworkAddress: networkAddr,
	}, nil
}

// resolveInstance maps the container-instance ARN to its EC2 instance ID and
// private IP address.
func resolveInstance(ctx context.Context, clients *AWSClients, cluster, containerInstanceARN string) (string, string, error) {
	ciResult, err := clients.ECS.DescribeContainerInstances(ctx, &ecs.DescribeContainerInstancesInput{
		Cluster:            aws.String(cluster),
		ContainerInstances: []string{containerInstanceARN},
	})
	if err != nil {
		return "", "", wrapFatal(KindAWSAccess, err, "describing container instance %s", containerInstanceARN)
	}
	if len(ciResult.ContainerInstances) == 0 {
		return "", "", fatalf(KindAWSAccess, "container instance %s not found", containerInstanceARN)
	}
	instanceID := aws.ToString(ciResult.ContainerInstances[0].Ec2InstanceId)

	iResult, err := clients.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return "", "", wrapFatal(KindAWSAccess, err, "describing instance %s", instanceID)
	}
	if len(iResult.Reservations) == 0 || len(iResult.Reservations[0].Instances) == 0 {
		return "", "", fatalf(KindAWSAccess, "instance %s not found", instanceID)
	}

	return instanceID, aws.ToString(iResult.Reservations[0].Instances[0].PrivateIpAddress), nil
}

// describeTargetGroups queries every bound target group's type and protocol.
// An unsupported type or protocol is fatal: an unresolved binding would make
// every poll after it meaningless.
func describeTargetGroups(ctx context.Context, client ELBClient, bindings []Binding) (map[string]TargetType, map[string]string, error) {
	arns := make([]string, 0, len(bindings))
	for _, b := range bindings {
		arns = append(arns, b.TargetGroupARN)
	}

	result, err := client.DescribeTargetGroups(ctx, &elbv2.DescribeTargetGroupsInput{
		TargetGroupArns: arns,
	})
	if err != nil {
		return nil, nil, wrapFatal(KindAWSAccess, err, "describing target groups")
	}

	targetTypes := make(map[string]TargetType, len(result.TargetGroups))
	targetProtocols := make(map[string]string, len(result.TargetGroups))
	for _, tg := range result.TargetGroups {
		arn := aws.ToString(tg.TargetGroupArn)

		switch tg.TargetType {
		case elbtypes.TargetTypeEnumInstance:
			targetTypes[arn] = TargetTypeInstance
		case elbtypes.TargetTypeEnumIp:
			targetTypes[arn] = TargetTypeIP
		default:
			return nil, nil, fatalf(KindContext, "unsupported target type %s for %s", tg.TargetType, arn)
		}

		switch tg.Protocol {
		case elbtypes.ProtocolEnumTcp, elbtypes.ProtocolEnumTls:
			targetProtocols[arn] = "tcp"
		case elbtypes.ProtocolEnumUdp:
			targetProtocols[arn] = "udp"
		default:
			return nil, nil, fatalf(KindContext, "unsupported protocol %s for %s", tg.Protocol, arn)
		}
	}

	for _, b := range bindings {
		if _, ok := targetTypes[b.TargetGroupARN]; !ok {
			return nil, nil, fatalf(KindContext, "target group %s not described", b.TargetGroupARN)
		}
	}

	return targetTypes, targetProtocols, nil
}

// portTables builds the per-protocol containerPort→hostPort tables for the
// target container.
func portTables(container ContainerMetadata) (map[int32]int32, map[int32]int32, error) {
	tcp := make(map[int32]int32)
	udp := make(map[int32]int32)
	for _, p := range container.Ports {
		switch p.Protocol {
		case "tcp":
			tcp[p.ContainerPort] = p.HostPort
		case "udp":
			udp[p.ContainerPort] = p.HostPort
		default:
			return nil, nil, fatalf(KindContext, "unknown protocol %s for port %d", p.Protocol, p.ContainerPort)
		}
	}
	if len(tcp) == 0 && len(udp) == 0 {
		return nil, nil, fatalf(KindContext, "target container %s does not have any port mappings", container.Name)
	}
	return tcp, udp, nil
}
