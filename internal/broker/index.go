package broker

// index maps a key (channel name or user id) to the set of connection ids
// registered under it. Empty sets are never retained. Not safe for
// concurrent use; the Broker guards every index with its mutex.
type index map[string]map[string]struct{}

// add registers id under key and reports whether it was newly added.
func (ix index) add(key, id string) bool {
	set, ok := ix[key]
	if !ok {
		set = make(map[string]struct{})
		ix[key] = set
	}
	if _, exists := set[id]; exists {
		return false
	}
	set[id] = struct{}{}
	return true
}

// remove drops id from key and prunes the key once its set is empty.
func (ix index) remove(key, id string) {
	set, ok := ix[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(ix, key)
	}
}

// members returns a copy of the ids under key, skipping exclude.
func (ix index) members(key, exclude string) []string {
	set := ix[key]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		if id == exclude {
			continue
		}
		out = append(out, id)
	}
	return out
}

// counts returns the number of members per key.
func (ix index) counts() map[string]int {
	out := make(map[string]int, len(ix))
	for key, set := range ix {
		out[key] = len(set)
	}
	return out
}
