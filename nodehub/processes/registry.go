package processes

import (
	"sort"
	"sync"
)

// registry is the set of live instances. Callers never hold its lock across a
// spawn or any other blocking call.
type registry struct {
	mu        sync.Mutex
	instances map[uint32]*managedInstance
}

func newRegistry() *registry {
	return &registry{instances: make(map[uint32]*managedInstance)}
}

func (r *registry) add(mi *managedInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[mi.info.ID] = mi
}

// remove deletes id and returns what was registered under it.
func (r *registry) remove(id uint32) (*managedInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mi, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
	}
	return mi, ok
}

func (r *registry) get(id uint32) (*managedInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mi, ok := r.instances[id]
	return mi, ok
}

// info returns a copy of id's descriptor.
func (r *registry) info(id uint32) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mi, ok := r.instances[id]
	if !ok {
		return Instance{}, false
	}
	return mi.info, true
}

// prune drops instances whose unit has finished and returns them.
func (r *registry) prune() []*managedInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	var finished []*managedInstance
	for id, mi := range r.instances {
		if mi.unit.Finished() {
			delete(r.instances, id)
			finished = append(finished, mi)
		}
	}
	return finished
}

func (r *registry) claimsPort(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, mi := range r.instances {
		if mi.info.WSPort == port {
			return true
		}
	}
	return false
}

// list returns descriptors sorted by id.
func (r *registry) list() []Instance {
	r.mu.Lock()
	out := make([]Instance, 0, len(r.instances))
	for _, mi := range r.instances {
		out = append(out, mi.info)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// listenAddrs returns the listen addresses of instances whose unit is still
// running, in id order.
func (r *registry) listenAddrs() []string {
	r.mu.Lock()
	live := make([]Instance, 0, len(r.instances))
	for _, mi := range r.instances {
		if !mi.unit.Finished() {
			live = append(live, mi.info)
		}
	}
	r.mu.Unlock()
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	addrs := make([]string, len(live))
	for i, inst := range live {
		addrs[i] = inst.ListenAddr
	}
	return addrs
}

// setIdentity is the only mutation of a registered descriptor. Readers copy
// descriptors under the lock.
func (r *registry) setIdentity(id uint32, identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	mi, ok := r.instances[id]
	if !ok {
		return false
	}
	mi.info.Identity = identity
	return true
}

// drain empties the registry and returns everything it held.
func (r *registry) drain() []*managedInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*managedInstance, 0, len(r.instances))
	for _, mi := range r.instances {
		all = append(all, mi)
	}
	r.instances = make(map[uint32]*managedInstance)
	return all
}
