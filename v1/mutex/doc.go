// Package mutex provides a distributed mutual-exclusion lock for one named
// resource shared by many processes.
//
// Each process builds one Mutex per resource from a broadcast channel and an
// arbiter lock. After the first acquisition the process keeps the arbiter lock
// ("soft-held") until a peer announces it is waiting, so a process that locks
// the same resource on every tick pays one arbiter round trip, not one per
// tick. Contended waiters retry when a peer broadcasts "unlocked" and, because
// broadcasts may be lost, on a fixed interval as well.
//
// Callers in one process queue in FIFO order behind the local holder and never
// touch the network while they wait.
package mutex
