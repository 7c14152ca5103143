package kv

import "context"

// Namespaced wraps d so every key, prefix scan, and alarm id is prefixed
// with ns, isolating one logical owner's data inside a Driver another owner
// also writes to. This generalizes the Namespace option the Redis adapter
// bakes in natively (see redis.go) to any Driver, including Memory and
// Mongo: an actor and its hosted workflow engine otherwise reuse the
// identical "state" key for unrelated data (the actor's state blob vs. the
// workflow's lifecycle record) and would collide without it.
func Namespaced(d Driver, ns string) Driver {
	return &namespacedDriver{d: d, prefix: []byte(ns + "\x00")}
}

type namespacedDriver struct {
	d      Driver
	prefix []byte
}

func (n *namespacedDriver) key(k []byte) []byte {
	out := make([]byte, 0, len(n.prefix)+len(k))
	out = append(out, n.prefix...)
	out = append(out, k...)
	return out
}

func (n *namespacedDriver) strip(k []byte) []byte {
	if len(k) < len(n.prefix) {
		return k
	}
	return k[len(n.prefix):]
}

func (n *namespacedDriver) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	return n.d.Get(ctx, n.key(key))
}

func (n *namespacedDriver) Set(ctx context.Context, key, value []byte) error {
	return n.d.Set(ctx, n.key(key), value)
}

func (n *namespacedDriver) Delete(ctx context.Context, key []byte) error {
	return n.d.Delete(ctx, n.key(key))
}

func (n *namespacedDriver) DeletePrefix(ctx context.Context, prefix []byte) error {
	return n.d.DeletePrefix(ctx, n.key(prefix))
}

func (n *namespacedDriver) List(ctx context.Context, prefix []byte) ([]Entry, error) {
	entries, err := n.d.List(ctx, n.key(prefix))
	if err != nil {
		return nil, err
	}
	return n.stripEntries(entries), nil
}

func (n *namespacedDriver) ListRange(ctx context.Context, start, end []byte, opts ListRangeOptions) ([]Entry, error) {
	endKey := n.key(end)
	if end == nil {
		endKey = prefixUpperBoundBytes(n.prefix)
	}
	entries, err := n.d.ListRange(ctx, n.key(start), endKey, opts)
	if err != nil {
		return nil, err
	}
	return n.stripEntries(entries), nil
}

func (n *namespacedDriver) stripEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{Key: n.strip(e.Key), Value: e.Value}
	}
	return out
}

func (n *namespacedDriver) Batch(ctx context.Context, writes []Write) error {
	out := make([]Write, len(writes))
	for i, w := range writes {
		out[i] = Write{Key: n.key(w.Key), Value: w.Value}
	}
	return n.d.Batch(ctx, out)
}

func (n *namespacedDriver) SetAlarm(ctx context.Context, id string, wakeAtMs int64) error {
	return n.d.SetAlarm(ctx, string(n.prefix)+id, wakeAtMs)
}

func (n *namespacedDriver) ClearAlarm(ctx context.Context, id string) error {
	return n.d.ClearAlarm(ctx, string(n.prefix)+id)
}

// NextAlarm passes through unfiltered: it reports the earliest alarm in the
// underlying driver, including alarms set through other namespaced views of
// it, since Driver.NextAlarm returns no alarm id to filter on.
func (n *namespacedDriver) NextAlarm(ctx context.Context) (int64, bool, error) {
	return n.d.NextAlarm(ctx)
}

// prefixUpperBoundBytes returns the smallest byte string greater than every
// string carrying prefix (prefix with its last byte incremented, trailing
// 0xff bytes stripped first), or nil when prefix is empty or all 0xff,
// meaning "no upper bound".
func prefixUpperBoundBytes(prefix []byte) []byte {
	b := append([]byte(nil), prefix...)
	for len(b) > 0 {
		if b[len(b)-1] == 0xff {
			b = b[:len(b)-1]
			continue
		}
		b[len(b)-1]++
		return b
	}
	return nil
}
