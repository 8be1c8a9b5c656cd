package domain

import "time"

// ServerStatus reflects a compute node's operational state.
type ServerStatus string

const (
	ServerActive      ServerStatus = "active"
	ServerMaintenance ServerStatus = "maintenance"
	ServerOffline     ServerStatus = "offline"
)

// Server is a compute node capable of hosting deployed applications.
type Server struct {
	ID           string
	PlatformID   string
	IP           string
	Status       ServerStatus
	MaxProjects  int
	CurrentCount int
	AcceptingNew bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AvailableSlots returns the remaining project capacity.
func (s *Server) AvailableSlots() int {
	slots := s.MaxProjects - s.CurrentCount
	if slots < 0 {
		return 0
	}
	return slots
}

// Eligible reports whether the server may take a new project.
func (s *Server) Eligible() bool {
	return s.AcceptingNew && s.Status == ServerActive && s.AvailableSlots() > 0
}
