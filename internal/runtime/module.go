package runtime

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/drblury/muflow/internal/runtime/di"
	errspkg "github.com/drblury/muflow/internal/runtime/errors"
)

// Module groups providers and controllers. Imports are initialised before
// the module itself.
type Module struct {
	Name        string
	Imports     []*Module
	Providers   []any
	Controllers []*Controller
}

// flattenModules orders the module graph depth first, imports before
// importers, each module once.
func flattenModules(root *Module) ([]*Module, error) {
	if root == nil {
		return nil, fmt.Errorf("%w: root module is nil", errspkg.ErrInvalidModule)
	}
	var (
		order   []*Module
		visited = make(map[*Module]bool)
		walk    func(m *Module, path []string) error
	)
	walk = func(m *Module, path []string) error {
		if m == nil {
			return fmt.Errorf("%w: nil import in %s", errspkg.ErrInvalidModule, strings.Join(path, " -> "))
		}
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("%w: module without a name (imported via %s)", errspkg.ErrInvalidModule, strings.Join(path, " -> "))
		}
		if visited[m] {
			return nil
		}
		visited[m] = true
		next := append(append([]string(nil), path...), m.Name)
		for _, imp := range m.Imports {
			if err := walk(imp, next); err != nil {
				return err
			}
		}
		order = append(order, m)
		return nil
	}
	if err := walk(root, []string{"<root>"}); err != nil {
		return nil, err
	}
	return order, nil
}

// registerModules registers every provider and controller definition and
// returns the controllers in initialisation order.
func registerModules(c *di.Container, modules []*Module) ([]*Controller, error) {
	var controllers []*Controller
	for _, m := range modules {
		if err := c.Register(m.Providers...); err != nil {
			return nil, fmt.Errorf("module %s: %w", m.Name, err)
		}
		for _, ctrl := range m.Controllers {
			if ctrl == nil {
				return nil, fmt.Errorf("%w: module %s declares a nil controller", errspkg.ErrInvalidHandler, m.Name)
			}
			if ctrl.Provider == nil {
				return nil, fmt.Errorf("%w: controller %q in module %s has no provider", errspkg.ErrInvalidHandler, ctrl.Name, m.Name)
			}
			if err := c.Register(ctrl.Provider); err != nil {
				return nil, fmt.Errorf("module %s: %w", m.Name, err)
			}
			controllers = append(controllers, ctrl)
		}
	}
	return controllers, nil
}

// bindControllers works out the token and concrete type of each controller.
// Factories are resolved once as singletons to learn their type.
func bindControllers(ctx context.Context, c *di.Container, controllers []*Controller) ([]BoundController, error) {
	bound := make([]BoundController, 0, len(controllers))
	for _, ctrl := range controllers {
		def, err := di.Normalize(ctrl.Provider)
		if err != nil {
			return nil, err
		}
		typ := def.InstanceType()
		if typ == nil {
			inst, err := c.ResolveAsync(ctx, def.Token, "")
			if err != nil {
				return nil, fmt.Errorf("%w: cannot determine type of controller %s: %v",
					errspkg.ErrInvalidHandler, di.TokenName(def.Token), err)
			}
			typ = reflect.TypeOf(inst)
		}
		bound = append(bound, BoundController{Controller: ctrl, Token: def.Token, Type: typ})
	}
	return bound, nil
}
