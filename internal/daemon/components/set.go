package components

import (
	"github.com/th317erd/hero/internal/broadcast"
	"github.com/th317erd/hero/internal/config"
	"github.com/th317erd/hero/internal/daemon"
)

// Set is the standard component graph of a workspace.
type Set struct {
	Store       *StoreComponent
	Governance  *GovernanceComponent
	Broadcast   *BroadcastComponent
	Core        *CoreComponent
	Maintenance *MaintenanceComponent
}

func NewSet(cfg *config.Config, workspaceID string, sinks ...broadcast.Sink) *Set {
	storeComp := NewStoreComponent(workspaceID, &cfg.Store)
	governComp := NewGovernanceComponent(cfg, workspaceID, storeComp)
	broadcastComp := NewBroadcastComponent(sinks...)
	coreComp := NewCoreComponent(cfg, workspaceID, storeComp, governComp, broadcastComp)
	return &Set{
		Store:       storeComp,
		Governance:  governComp,
		Broadcast:   broadcastComp,
		Core:        coreComp,
		Maintenance: NewMaintenanceComponent(cfg, storeComp, coreComp),
	}
}

// Components lists the set in registration order.
func (s *Set) Components() []daemon.Component {
	return []daemon.Component{s.Store, s.Governance, s.Broadcast, s.Core, s.Maintenance}
}

func (s *Set) Register(d *daemon.Daemon) {
	for _, c := range s.Components() {
		d.AddComponent(c)
	}
}
