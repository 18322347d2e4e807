package utils

import (
	"math/rand"
	"strconv"
	"strings"
	"sync"
)

// No 0/O or l/I, so ids survive being read aloud from a log.
const logIdAlphabet = "123456789abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ"

const logIdSuffixLength = 4

// LogIds hands out ids like "ws-12-k7Pq" that tie together the log lines of
// one connection. The counter keeps ids from one generator apart; the random
// suffix keeps them apart across restarts. They are not secret.
type LogIds struct {
	prefix string

	mut   sync.Mutex
	count uint64
	rnd   *rand.Rand
}

func NewLogIds(prefix string, seed int64) *LogIds {
	return &LogIds{
		prefix: prefix,
		rnd:    rand.New(rand.NewSource(seed)),
	}
}

func (g *LogIds) Next() string {
	g.mut.Lock()
	defer g.mut.Unlock()

	g.count++
	var b strings.Builder
	b.WriteString(g.prefix)
	b.WriteByte('-')
	b.WriteString(strconv.FormatUint(g.count, 10))
	b.WriteByte('-')
	for i := 0; i < logIdSuffixLength; i++ {
		b.WriteByte(logIdAlphabet[g.rnd.Intn(len(logIdAlphabet))])
	}
	return b.String()
}
