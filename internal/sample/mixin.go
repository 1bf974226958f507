package sample

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// mixinMaxPitch is the open upper bound for a "range lo - ..." line.
const mixinMaxPitch = 1000000.0

// loadMixin parses a .mixin file: a virtual sample whose pitch ranges
// dispatch to concrete samples. The format is line-based:
//
//	# comment
//	range <low> <high> <file> [ratio]
//	else <file> [ratio]
//
// A low bound of "-" continues from the previous range's high bound (or
// zero for the first range); a high bound of "-" is open-ended. File names
// are resolved relative to the mixin file's directory and loaded through
// the store, so a mixin may reference another mixin.
func (st *Store) loadMixin(path string) (*Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoad, path, err)
	}
	defer f.Close()

	dir := filepath.Dir(path)
	samp := &Sample{Path: path, Virtual: true}

	sc := bufio.NewScanner(f)
	lineno := 0
	for sc.Scan() {
		lineno++
		tok := strings.Fields(sc.Text())
		if len(tok) == 0 || strings.HasPrefix(tok[0], "#") {
			continue
		}
		switch tok[0] {
		case "range":
			if len(tok) < 4 {
				return nil, fmt.Errorf("%w: %s:%d: range and filename required after range", ErrLoad, path, lineno)
			}
			r, err := st.parseBinding(dir, tok[3:])
			if err != nil {
				return nil, fmt.Errorf("%w: %s:%d: %v", ErrLoad, path, lineno, err)
			}
			if tok[1] == "-" {
				if len(samp.ranges) == 0 {
					r.lo = 0
				} else {
					r.lo = samp.ranges[len(samp.ranges)-1].hi
				}
			} else {
				r.lo, err = strconv.ParseFloat(tok[1], 64)
				if err != nil {
					return nil, fmt.Errorf("%w: %s:%d: bad low bound %q", ErrLoad, path, lineno, tok[1])
				}
			}
			if tok[2] == "-" {
				r.hi = mixinMaxPitch
			} else {
				r.hi, err = strconv.ParseFloat(tok[2], 64)
				if err != nil {
					return nil, fmt.Errorf("%w: %s:%d: bad high bound %q", ErrLoad, path, lineno, tok[2])
				}
			}
			samp.ranges = append(samp.ranges, *r)
		case "else":
			if len(tok) < 2 {
				return nil, fmt.Errorf("%w: %s:%d: filename required after else", ErrLoad, path, lineno)
			}
			r, err := st.parseBinding(dir, tok[1:])
			if err != nil {
				return nil, fmt.Errorf("%w: %s:%d: %v", ErrLoad, path, lineno, err)
			}
			samp.def = r
		default:
			return nil, fmt.Errorf("%w: %s:%d: unknown statement %q", ErrLoad, path, lineno, tok[0])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoad, path, err)
	}
	return samp, nil
}

// parseBinding resolves "<file> [ratio]" into a pitch binding.
func (st *Store) parseBinding(dir string, tok []string) (*pitchRange, error) {
	name := tok[0]
	if !filepath.IsAbs(name) {
		name = filepath.Clean(filepath.Join(dir, name))
	}
	id, err := st.Get(name)
	if err != nil {
		return nil, err
	}
	ratio := 1.0
	if len(tok) > 1 {
		ratio, err = strconv.ParseFloat(tok[1], 64)
		if err != nil {
			return nil, fmt.Errorf("bad pitch ratio %q", tok[1])
		}
	}
	return &pitchRange{sample: id, ratio: ratio}, nil
}
