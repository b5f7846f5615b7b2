package di

import (
	"context"
	"sync/atomic"
)

type Config struct {
	Name string
}

type Repo struct {
	Cfg *Config
}

func NewRepo(cfg *Config) *Repo {
	return &Repo{Cfg: cfg}
}

type Service struct {
	Repo   *Repo
	Prefix string
}

func NewService(repo *Repo, prefix string) *Service {
	return &Service{Repo: repo, Prefix: prefix}
}

type A struct{ B *B }
type B struct{ A *A }

func NewA(b *B) *A { return &A{B: b} }
func NewB(a *A) *B { return &B{A: a} }

type Session struct {
	ID int64
}

type counter struct {
	n atomic.Int64
}

func (c *counter) session(context.Context, ...any) (any, error) {
	return &Session{ID: c.n.Add(1)}, nil
}

func (c *Container) hasInstance(token Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.instances[instanceKey{token: token}]
	return ok
}
