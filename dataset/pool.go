package dataset

import "sync"

var (
	rowsMu   sync.Mutex
	rowsPool = make(map[int]map[int]*sync.Pool)
)

func borrowRows(m, n int) [][]float32 {
	rowsMu.Lock()
	defer rowsMu.Unlock()
	if d, ok := rowsPool[m]; ok {
		if d2, ok := d[n]; ok {
			return d2.Get().([][]float32)
		}
	}
	return make([][]float32, m)
}

func returnRows(m, n int, rows [][]float32) {
	for i := range rows {
		rows[i] = nil
	}
	rowsMu.Lock()
	defer rowsMu.Unlock()
	d, ok := rowsPool[m]
	if !ok {
		d = make(map[int]*sync.Pool)
		rowsPool[m] = d
	}
	p, ok := d[n]
	if !ok {
		p = &sync.Pool{New: func() interface{} { return make([][]float32, m) }}
		d[n] = p
	}
	p.Put(rows)
}

// rows views an m x n plane as m rows of n. The rows share the plane's memory; hand them
// back with returnRows when done.
func rows(plane []float32, m, n int) [][]float32 {
	retVal := borrowRows(m, n)
	for i := range retVal {
		start := i * n
		retVal[i] = plane[start : start+n : start+n]
	}
	return retVal
}
