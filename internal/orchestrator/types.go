/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package orchestrator

import (
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/google/uuid"

	"github.com/friendsincode/seqworker/internal/sequence"
)

// APIVersion is sent with every registration.
const APIVersion = 10

// RegistrationRequest announces this worker and its catalog.
type RegistrationRequest struct {
	APIVersion         int             `json:"apiVersion"`
	ClientGUID         uuid.UUID       `json:"clientGuid"`
	UTCTime            string          `json:"utcTime"`
	AvailableSequences []sequence.Info `json:"availableSequences"`
	Metadata           Metadata        `json:"metadata"`
}

// RegistrationResponse carries the id assigned by the orchestrator.
type RegistrationResponse struct {
	ID int64 `json:"id"`
}

// Metadata identifies the running instance.
type Metadata struct {
	IPAddresses []string `json:"ipAddresses"`
	DataPath    string   `json:"dataPath"`
	PID         int      `json:"pid"`
	Platform    string   `json:"platform"`
}

// HeartbeatRequest reports what this worker is doing.
type HeartbeatRequest struct {
	ClientID             int64          `json:"clientId"`
	ClientGUID           uuid.UUID      `json:"clientGuid"`
	UTCTime              string         `json:"utcTime"`
	ActiveSequence       *sequence.Info `json:"activeSequence"`
	ActiveWorkAssignment *Report        `json:"activeWorkAssignment"`
}

// HeartbeatResponse optionally names the assignment the orchestrator wants
// this worker to run.
type HeartbeatResponse struct {
	WorkAssignment *Assignment `json:"workAssignment"`
}

// Report is the assignment state sent in a heartbeat.
type Report struct {
	ID      int64   `json:"id"`
	Status  Status  `json:"status"`
	Details Details `json:"details"`
}

// Details is a small JSON object explaining a status, e.g. {"error": "..."}.
type Details map[string]string

func errorDetails(msg string) Details {
	return Details{"error": msg}
}

func conflictDetails(existingID *int64, newID int64) Details {
	if existingID != nil {
		return Details{"conflict": fmt.Sprintf("CONFLICT starting WorkAssignment id: %d. Another WorkAssignment id: %d is active on this system.", newID, *existingID)}
	}
	return Details{"conflict": fmt.Sprintf("CONFLICT starting WorkAssignment id: %d. Another sequence is active outside of a WorkAssignment on this system", newID)}
}

// CollectMetadata describes the current process. dataPath is reported as is.
func CollectMetadata(dataPath string) Metadata {
	return Metadata{
		IPAddresses: localIPv4(),
		DataPath:    dataPath,
		PID:         os.Getpid(),
		Platform:    runtime.GOOS,
	}
}

func localIPv4() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return []string{}
	}
	ips := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			ips = append(ips, v4.String())
		}
	}
	return ips
}
