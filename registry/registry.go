package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lumenlabs/maestro"
	"github.com/lumenlabs/maestro/utils/array"
)

// NotFoundError reports a lookup for a model identifier the registry does
// not know.
type NotFoundError struct {
	Id string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("model not found: %s", e.Id)
}

// Registry is the catalogue of models the orchestrator can route to.
// Reads have no side effects; mutation is an administrative operation and
// never happens on the request path.
type Registry struct {
	mutex  sync.RWMutex
	models map[string]*maestro.ModelDescriptor
	logger *zap.SugaredLogger
}

func New(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		models: make(map[string]*maestro.ModelDescriptor),
		logger: logger,
	}
}

// Load replaces the catalogue with the given descriptors. Used at startup
// and on configuration reload.
func (r *Registry) Load(descriptors []maestro.ModelDescriptor) error {
	models := make(map[string]*maestro.ModelDescriptor, len(descriptors))
	for _, descriptor := range descriptors {
		if descriptor.Id == "" {
			return fmt.Errorf("model descriptor without an id")
		}
		if _, exists := models[descriptor.Id]; exists {
			return fmt.Errorf("duplicate model id: %s", descriptor.Id)
		}
		if descriptor.Status == "" {
			descriptor.Status = maestro.ModelStatusActive
		}
		copied := descriptor
		models[descriptor.Id] = &copied
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.models = models
	r.logger.Infow("Loaded model catalogue", "models", len(models))
	return nil
}

// Register adds a single model. Fails on a duplicate identifier; identifiers
// are unique within the registry.
func (r *Registry) Register(descriptor maestro.ModelDescriptor) error {
	if descriptor.Id == "" {
		return fmt.Errorf("model descriptor without an id")
	}
	if descriptor.Status == "" {
		descriptor.Status = maestro.ModelStatusActive
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.models[descriptor.Id]; exists {
		return fmt.Errorf("duplicate model id: %s", descriptor.Id)
	}
	r.models[descriptor.Id] = &descriptor
	return nil
}

// GetModel returns a copy of the descriptor for the given identifier.
func (r *Registry) GetModel(id string) (*maestro.ModelDescriptor, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	model, exists := r.models[id]
	if !exists {
		return nil, &NotFoundError{Id: id}
	}
	copied := *model
	return &copied, nil
}

// GetCandidates returns copies of every active model carrying all of the
// required capability tags, ordered by identifier for deterministic scoring.
func (r *Registry) GetCandidates(requiredCapabilities []string) []*maestro.ModelDescriptor {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	candidates := make([]*maestro.ModelDescriptor, 0, len(r.models))
	for _, model := range r.models {
		if model.Status != maestro.ModelStatusActive {
			continue
		}
		if !hasAllCapabilities(model, requiredCapabilities) {
			continue
		}
		copied := *model
		candidates = append(candidates, &copied)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Id < candidates[j].Id
	})
	return candidates
}

// List returns copies of every descriptor regardless of status.
func (r *Registry) List() []*maestro.ModelDescriptor {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	models := make([]*maestro.ModelDescriptor, 0, len(r.models))
	for _, model := range r.models {
		copied := *model
		models = append(models, &copied)
	}
	sort.Slice(models, func(i, j int) bool {
		return models[i].Id < models[j].Id
	})
	return models
}

// Disable takes a model out of selection. The transition is one way; only
// Activate brings it back.
func (r *Registry) Disable(id string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	model, exists := r.models[id]
	if !exists {
		return &NotFoundError{Id: id}
	}
	if model.Status == maestro.ModelStatusDisabled {
		return nil
	}
	model.Status = maestro.ModelStatusDisabled
	r.logger.Infow("Disabled model", "model", id)
	return nil
}

// Activate explicitly re-activates a disabled model.
func (r *Registry) Activate(id string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	model, exists := r.models[id]
	if !exists {
		return &NotFoundError{Id: id}
	}
	model.Status = maestro.ModelStatusActive
	r.logger.Infow("Activated model", "model", id)
	return nil
}

func hasAllCapabilities(model *maestro.ModelDescriptor, required []string) bool {
	for _, tag := range required {
		if !array.Contains(model.Capabilities, tag) {
			return false
		}
	}
	return true
}
