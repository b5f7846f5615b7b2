package di

import errspkg "github.com/drblury/muflow/internal/runtime/errors"

// checkCycles walks the definitions reachable from token before anything is
// built, so a cycle never leaves partial instances in the cache and never
// parks two goroutines on each other's pending construction.
func (c *Container) checkCycles(token Token, async bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.acyclic[token]; ok {
		return nil
	}

	var (
		stack   []Token
		onStack = make(map[Token]bool)
		visit   func(Token) error
	)
	visit = func(t Token) error {
		if _, ok := c.acyclic[t]; ok {
			return nil
		}
		if onStack[t] {
			return cycleError(stack, t, async)
		}
		def, ok := c.defs[t]
		if !ok {
			return nil
		}
		onStack[t] = true
		stack = append(stack, t)
		for _, dep := range def.dependencies() {
			if !validToken(dep) {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		delete(onStack, t)
		c.acyclic[t] = struct{}{}
		return nil
	}
	return visit(token)
}

func cycleError(stack []Token, repeated Token, async bool) error {
	start := 0
	for i, t := range stack {
		if t == repeated {
			start = i
			break
		}
	}
	path := make([]string, 0, len(stack)-start+1)
	for _, t := range stack[start:] {
		path = append(path, TokenName(t))
	}
	path = append(path, TokenName(repeated))
	return &errspkg.CircularDependencyError{Token: TokenName(repeated), Path: path, Async: async}
}
