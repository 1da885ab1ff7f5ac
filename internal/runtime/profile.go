// Package runtime maps agent types to the execution profile the sandbox
// launches them with: container image, interpreter command, and the harness
// that feeds parameters in and carries the result out.
package runtime

import (
	"fmt"

	"agent-engine/internal/domain"
)

// Profile describes how one class of agent code is executed.
type Profile struct {
	// Name identifies the profile ("python-sci", "python-slim").
	Name string

	// Image is the container image reference.
	Image string

	// Extension is the code file extension.
	Extension string
}

// Command returns the interpreter invocation for a code file inside the
// container. -I isolates the interpreter from environment and user site
// packages.
func (p Profile) Command(codePath string) []string {
	return []string{"python3", "-u", "-B", "-I", codePath}
}

const (
	sciImage  = "ghcr.io/agent-engine/python-sci:3.12"
	slimImage = "docker.io/library/python:3.12-slim"
)

func sciProfile() Profile {
	return Profile{Name: "python-sci", Image: sciImage, Extension: ".py"}
}

func slimProfile() Profile {
	return Profile{Name: "python-slim", Image: slimImage, Extension: ".py"}
}

// Registry maps agent types to execution profiles. Analysis types get the
// scientific image; custom agents get the slim one.
type Registry struct {
	profiles map[domain.AgentType]Profile
}

// NewRegistry creates a registry covering every agent type.
func NewRegistry() *Registry {
	r := &Registry{profiles: make(map[domain.AgentType]Profile)}
	for _, t := range []domain.AgentType{
		domain.TypeChangeDetection,
		domain.TypeClassification,
		domain.TypeSegmentation,
		domain.TypePrediction,
		domain.TypeStatistics,
	} {
		r.profiles[t] = sciProfile()
	}
	r.profiles[domain.TypeCustom] = slimProfile()
	return r
}

// ForType returns the profile for an agent type.
func (r *Registry) ForType(t domain.AgentType) (Profile, error) {
	p, ok := r.profiles[t]
	if !ok {
		return Profile{}, fmt.Errorf("no execution profile for agent type %q", t)
	}
	return p, nil
}

// OverrideImages replaces image references by profile name, for deployments
// that mirror or rebuild the default images.
func (r *Registry) OverrideImages(images map[string]string) {
	for t, p := range r.profiles {
		if img, ok := images[p.Name]; ok && img != "" {
			p.Image = img
			r.profiles[t] = p
		}
	}
}

// Images returns the distinct container images the registry references.
func (r *Registry) Images() []string {
	seen := make(map[string]struct{}, len(r.profiles))
	var images []string
	for _, p := range r.profiles {
		if _, dup := seen[p.Image]; dup {
			continue
		}
		seen[p.Image] = struct{}{}
		images = append(images, p.Image)
	}
	return images
}
