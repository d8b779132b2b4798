package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// NetworkMode is the task networking topology.
type NetworkMode string

const (
	NetworkModeAWSVPC NetworkMode = "awsvpc"
	NetworkModeBridge NetworkMode = "bridge"
)

// PortMapping is one container-port to host-port translation entry.
type PortMapping struct {
	ContainerPort int32  `json:"ContainerPort"`
	HostPort      int32  `json:"HostPort"`
	Protocol      string `json:"Protocol"`
}

// ContainerMetadata is the per-container slice of the task metadata document.
type ContainerMetadata struct {
	Name     string        `json:"Name"`
	Ports    []PortMapping `json:"Ports"`
	Networks []struct {
		NetworkMode   string   `json:"NetworkMode"`
		IPv4Addresses []string `json:"IPv4Addresses"`
	} `json:"Networks"`
}

// taskMetadata is the task metadata v4 document, reduced to the fields the
// sidecar reads.
type taskMetadata struct {
	Cluster    string              `json:"Cluster"`
	TaskARN    string              `json:"TaskARN"`
	Containers []ContainerMetadata `json:"Containers"`
}

// Snapshot is the immutable view of the task built once at startup from the
// metadata document. Everything downstream reads from it; nothing writes.
type Snapshot struct {
	TaskARN        string
	Cluster        string
	Region         string
	NetworkMode    NetworkMode
	PrimaryAddress string // awsvpc only
	Containers     []ContainerMetadata
}

// Container returns the named container's metadata.
func (s *Snapshot) Container(name string) (ContainerMetadata, bool) {
	for _, c := range s.Containers {
		if c.Name == name {
			return c, true
		}
	}
	return ContainerMetadata{}, false
}

// FetchSnapshot retrieves the task metadata document from the v4 endpoint and
// builds a Snapshot. Every failure is fatal: a sidecar that cannot see its
// own task has nothing to poll.
func FetchSnapshot(ctx context.Context, client *http.Client, baseURL string) (*Snapshot, error) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/task", nil)
	if err != nil {
		return nil, wrapFatal(KindMetadata, err, "building metadata request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, wrapFatal(KindMetadata, err, "fetching task metadata")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fatalf(KindMetadata, "metadata endpoint returned status %d", resp.StatusCode)
	}

	var doc taskMetadata
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, wrapFatal(KindMetadata, err, "decoding task metadata")
	}

	return buildSnapshot(doc)
}

func buildSnapshot(doc taskMetadata) (*Snapshot, error) {
	if doc.TaskARN == "" {
		return nil, fatalf(KindMetadata, "task metadata has no TaskARN")
	}
	region, err := regionFromARN(doc.TaskARN)
	if err != nil {
		return nil, err
	}
	if len(doc.Containers) == 0 {
		return nil, fatalf(KindMetadata, "task metadata has no containers")
	}
	if len(doc.Containers[0].Networks) == 0 {
		return nil, fatalf(KindMetadata, "task metadata has no networks")
	}

	// The first container's first network decides the topology for the task.
	primary := doc.Containers[0].Networks[0]
	snap := &Snapshot{
		TaskARN:     doc.TaskARN,
		Cluster:     doc.Cluster,
		Region:      region,
		NetworkMode: NetworkMode(primary.NetworkMode),
		Containers:  doc.Containers,
	}

	if snap.NetworkMode == NetworkModeAWSVPC {
		if len(primary.IPv4Addresses) != 1 {
			return nil, fatalf(KindContext, "task has %d IPv4 addresses, expected exactly one", len(primary.IPv4Addresses))
		}
		snap.PrimaryAddress = primary.IPv4Addresses[0]
	}

	return snap, nil
}

// regionFromARN extracts the region segment of an ARN
// (arn:partition:service:region:account:resource).
func regionFromARN(arn string) (string, error) {
	parts := strings.Split(arn, ":")
	if len(parts) < 4 || parts[3] == "" {
		return "", fatalf(KindMetadata, "cannot determine region from ARN %q", arn)
	}
	return parts[3], nil
}

// String implements fmt.Stringer for log output.
func (s *Snapshot) String() string {
	return fmt.Sprintf("task=%s cluster=%s region=%s mode=%s", s.TaskARN, s.Cluster, s.Region, s.NetworkMode)
}
