// Package hooks provides an extensible hook system for transfer requests.
//
// Hooks allow custom validation, metrics collection and policy to run when a
// local put is requested or a remote entity announces a file, without
// modifying the transfer engine.
package hooks

import (
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/cfdp/core/dto"
)

// DefaultHook provides the default logging behavior
type DefaultHook struct{}

// NewDefaultHook creates a new default hook instance
func NewDefaultHook() *DefaultHook {
	return &DefaultHook{}
}

// OnPut implements the Hook interface for local put requests
func (h *DefaultHook) OnPut(req *dto.PutRequest) bool {
	log.Infof("put hook for %s -> entity %d is OK", req.SourceFileName, req.Destination)
	return true
}

// OnIncoming implements the Hook interface for announced incoming files
func (h *DefaultHook) OnIncoming(req *dto.IncomingRequest) bool {
	log.Infof("incoming hook for %s (%s) is OK", req.DestinationFileName, req.ID)
	return true
}
