package audio

// Ring keeps the most recent frames in preallocated slots, overwriting the oldest.
// It is not safe for concurrent use; Pipeline guards it with its own mutex.
type Ring struct {
	slots [][]float32
	lens  []int
	head  int // next slot to write
	count int
}

// NewRing allocates capacity slots of frameSize samples each.
func NewRing(capacity, frameSize int) *Ring {
	r := &Ring{
		slots: make([][]float32, capacity),
		lens:  make([]int, capacity),
	}
	for i := range r.slots {
		r.slots[i] = make([]float32, frameSize)
	}
	return r
}

// RingCapacity returns the number of frames that cover prerollMS, at least one when
// pre-roll is enabled.
func RingCapacity(prerollMS, sampleRate, frameSize int) int {
	if prerollMS <= 0 || sampleRate <= 0 || frameSize <= 0 {
		return 0
	}
	n := prerollMS * sampleRate / (1000 * frameSize)
	if n < 1 {
		n = 1
	}
	return n
}

// Push copies frame into the next slot. Samples beyond the slot size are dropped.
func (r *Ring) Push(frame []float32) {
	if len(r.slots) == 0 {
		return
	}
	r.lens[r.head] = copy(r.slots[r.head], frame)
	r.head = (r.head + 1) % len(r.slots)
	if r.count < len(r.slots) {
		r.count++
	}
}

// Len is the number of resident frames.
func (r *Ring) Len() int { return r.count }

// Cap is the number of slots.
func (r *Ring) Cap() int { return len(r.slots) }

// Samples is the total number of resident samples.
func (r *Ring) Samples() int {
	total := 0
	r.each(func(f []float32) { total += len(f) })
	return total
}

// AppendTo appends resident frames oldest to newest onto dst.
func (r *Ring) AppendTo(dst []float32) []float32 {
	r.each(func(f []float32) { dst = append(dst, f...) })
	return dst
}

func (r *Ring) each(fn func([]float32)) {
	if r.count == 0 {
		return
	}
	start := (r.head - r.count + len(r.slots)) % len(r.slots)
	for i := 0; i < r.count; i++ {
		idx := (start + i) % len(r.slots)
		fn(r.slots[idx][:r.lens[idx]])
	}
}

// Reset forgets resident frames without releasing slots.
func (r *Ring) Reset() {
	r.head = 0
	r.count = 0
}
