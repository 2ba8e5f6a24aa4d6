package main

import (
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"aishell/internal/fault"
)

// savedConnection is one registry entry. The DSN is stored exactly as
// given, so $vault.<name> references stay unresolved at rest.
type savedConnection struct {
	Name string `yaml:"name"`
	DSN  string `yaml:"dsn"`
}

type connectionState struct {
	Active      string            `yaml:"active,omitempty"`
	Connections []savedConnection `yaml:"connections"`
}

// connectionFile persists the connection registry between invocations.
type connectionFile struct {
	path string
}

func newConnectionFile(path string) *connectionFile {
	return &connectionFile{path: path}
}

func (f *connectionFile) load() (*connectionState, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &connectionState{}, nil
		}
		return nil, fault.Wrap(fault.KindUnavailable, err, "reading connection registry")
	}
	var state connectionState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, err, "parsing connection registry")
	}
	return &state, nil
}

func (f *connectionFile) save(state *connectionState) error {
	sort.Slice(state.Connections, func(i, j int) bool {
		return state.Connections[i].Name < state.Connections[j].Name
	})
	data, err := yaml.Marshal(state)
	if err != nil {
		return fault.Wrap(fault.KindUnavailable, err, "encoding connection registry")
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fault.Wrap(fault.KindUnavailable, err, "writing connection registry")
	}
	return os.Rename(tmp, f.path)
}

func (f *connectionFile) add(name, dsn string) error {
	state, err := f.load()
	if err != nil {
		return err
	}
	for _, c := range state.Connections {
		if c.Name == name {
			return fault.Errorf(fault.KindDuplicateName, "connection %q already exists", name)
		}
	}
	state.Connections = append(state.Connections, savedConnection{Name: name, DSN: dsn})
	if state.Active == "" {
		state.Active = name
	}
	return f.save(state)
}

func (f *connectionFile) remove(name string) error {
	state, err := f.load()
	if err != nil {
		return err
	}
	kept := state.Connections[:0]
	found := false
	for _, c := range state.Connections {
		if c.Name == name {
			found = true
			continue
		}
		kept = append(kept, c)
	}
	if !found {
		return fault.Errorf(fault.KindNotFound, "connection %q not found", name)
	}
	state.Connections = kept
	if state.Active == name {
		state.Active = ""
	}
	return f.save(state)
}

func (f *connectionFile) setActive(name string) error {
	state, err := f.load()
	if err != nil {
		return err
	}
	for _, c := range state.Connections {
		if c.Name == name {
			state.Active = name
			return f.save(state)
		}
	}
	return fault.Errorf(fault.KindNotFound, "connection %q not found", name)
}

func (f *connectionFile) get(name string) (savedConnection, error) {
	state, err := f.load()
	if err != nil {
		return savedConnection{}, err
	}
	for _, c := range state.Connections {
		if c.Name == name {
			return c, nil
		}
	}
	return savedConnection{}, fault.Errorf(fault.KindNotFound, "connection %q not found", name)
}

func (f *connectionFile) activeName() string {
	state, err := f.load()
	if err != nil {
		return ""
	}
	return state.Active
}

func (f *connectionFile) list() ([]savedConnection, string, error) {
	state, err := f.load()
	if err != nil {
		return nil, "", err
	}
	return state.Connections, state.Active, nil
}
