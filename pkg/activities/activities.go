// Package activities registers the built-in activity handlers.
package activities

import (
	"github.com/dukex/conduit/pkg/activities/delay"
	"github.com/dukex/conduit/pkg/activities/echo"
	"github.com/dukex/conduit/pkg/activities/finalize"
	"github.com/dukex/conduit/pkg/activities/spawn"
	"github.com/dukex/conduit/pkg/activities/traits"
	"github.com/dukex/conduit/pkg/activities/transition"
	"github.com/dukex/conduit/pkg/registry"
)

// RegisterAll adds every built-in activity to the registry. Binaries call
// it before starting workers so plans referencing built-ins always resolve.
func RegisterAll(r *registry.Registry) {
	r.Register(echo.NewActivity())
	r.Register(traits.NewActivity())
	r.Register(transition.NewCompleteActivity())
	r.Register(transition.NewFailActivity())
	r.Register(spawn.NewActivity())
	r.Register(finalize.NewMetadataActivity())
	r.Register(finalize.NewCollectionActivity())
	r.Register(delay.NewActivity())
}
