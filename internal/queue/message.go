// Package queue defines the lane names and the wire format of job messages.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"vigil/internal/domain"
)

const (
	BuildQueue      = "BUILD_QUEUE"
	ScanQueue       = "SCAN_QUEUE"
	DeadLetterQueue = "DEAD_LETTER_QUEUE"
	// ResultQueue is reserved for a future result consumer; nothing in this
	// service consumes it.
	ResultQueue = "RESULT_QUEUE"
)

// ForLane maps a job lane to its queue name.
func ForLane(l domain.Lane) string {
	if l == domain.LaneBuild {
		return BuildQueue
	}
	return ScanQueue
}

// Message is the serialized form of a job on the wire.
type Message struct {
	ID        string      `json:"id"`
	Lane      domain.Lane `json:"lane"`
	Priority  int         `json:"priority"`
	CreatedAt time.Time   `json:"createdAt"`
	UserID    string      `json:"userId"`
	ServiceID string      `json:"serviceId"`

	RepoURL         string `json:"repoUrl"`
	ContextPath     string `json:"contextPath"`
	IsPrivate       bool   `json:"isPrivate"`
	ImageName       string `json:"imageName,omitempty"`
	ImageTag        string `json:"imageTag,omitempty"`
	CustomBuildFile string `json:"customBuildFile,omitempty"`
	Username        string `json:"username,omitempty"`

	GitCredential      string `json:"gitCredential,omitempty"`
	RegistryCredential string `json:"registryCredential,omitempty"`
}

// Encode serializes a job for publishing.
func Encode(job *domain.Job) ([]byte, error) {
	m := Message{
		ID:                 job.ID,
		Lane:               job.Lane,
		Priority:           job.Priority,
		CreatedAt:          job.CreatedAt,
		UserID:             job.UserID,
		ServiceID:          job.ServiceID,
		RepoURL:            job.RepoURL,
		ContextPath:        job.ContextPath,
		IsPrivate:          job.IsPrivate,
		ImageName:          job.ImageName,
		ImageTag:           job.ImageTag,
		CustomBuildFile:    job.CustomBuildFile,
		Username:           job.Username,
		GitCredential:      job.GitCredential,
		RegistryCredential: job.RegistryCredential,
	}
	return json.Marshal(m)
}

// Decode parses and validates a wire message. A message failing validation
// is unrecoverable and belongs on the dead-letter lane.
func Decode(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("decode job message: %w", err)
	}
	switch {
	case m.ID == "":
		return Message{}, fmt.Errorf("job message missing id")
	case !m.Lane.Valid():
		return Message{}, fmt.Errorf("job message %s: invalid lane %q", m.ID, m.Lane)
	case m.ServiceID == "":
		return Message{}, fmt.Errorf("job message %s: missing serviceId", m.ID)
	case m.RepoURL == "":
		return Message{}, fmt.Errorf("job message %s: missing repoUrl", m.ID)
	}
	return m, nil
}

// Job rebuilds the domain job carried by the message.
func (m Message) Job() *domain.Job {
	return &domain.Job{
		ID:                 m.ID,
		Lane:               m.Lane,
		Priority:           m.Priority,
		CreatedAt:          m.CreatedAt,
		UserID:             m.UserID,
		ServiceID:          m.ServiceID,
		RepoURL:            m.RepoURL,
		ContextPath:        m.ContextPath,
		IsPrivate:          m.IsPrivate,
		ImageName:          m.ImageName,
		ImageTag:           m.ImageTag,
		CustomBuildFile:    m.CustomBuildFile,
		Username:           m.Username,
		GitCredential:      m.GitCredential,
		RegistryCredential: m.RegistryCredential,
	}
}
