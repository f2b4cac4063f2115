package collab

import "strings"

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// which backing slice the piece points into
	buf    bufferKind
	offset int
	length int
}

type PieceTable struct {
	original []rune
	// append-only
	add    []rune
	pieces []piece
	length int
}

var _ Buffer = (*PieceTable)(nil)

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r, length: len(r)}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int { return pt.length }

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		sb.WriteString(string(pt.slice(p)))
	}
	return sb.String()
}

func (pt *PieceTable) slice(p piece) []rune {
	if p.buf == bufOriginal {
		return pt.original[p.offset : p.offset+p.length]
	}
	return pt.add[p.offset : p.offset+p.length]
}

// Insert splices text in at pos.
func (pt *PieceTable) Insert(pos int, text string) {
	r := []rune(text)
	if len(r) == 0 {
		return
	}
	start := len(pt.add)
	pt.add = append(pt.add, r...)
	newPiece := piece{buf: bufAdd, offset: start, length: len(r)}
	pt.length += len(r)

	idx, offset := pt.locate(pos)
	if idx == len(pt.pieces) {
		pt.pieces = append(pt.pieces, newPiece)
		return
	}

	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	newPieces := make([]piece, 0, len(pt.pieces)+2)
	newPieces = append(newPieces, pt.pieces[:idx]...)
	if left.length > 0 {
		newPieces = append(newPieces, left)
	}
	newPieces = append(newPieces, newPiece)
	if right.length > 0 {
		newPieces = append(newPieces, right)
	}
	newPieces = append(newPieces, pt.pieces[idx+1:]...)
	pt.pieces = newPieces
}

// Delete removes n runes starting at pos.
func (pt *PieceTable) Delete(pos, n int) {
	remain := n
	idx, offset := pt.locate(pos)

	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		can := cur.length - offset
		take := remain
		if take > can {
			take = can
		}

		if offset == 0 && take == cur.length {
			// whole piece goes; idx now points at the next piece
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
		} else {
			leftLen := offset
			rightLen := cur.length - offset - take

			repl := make([]piece, 0, 2)
			if leftLen > 0 {
				repl = append(repl, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
			}
			if rightLen > 0 {
				repl = append(repl, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
			}
			newPieces := make([]piece, 0, len(pt.pieces)+1)
			newPieces = append(newPieces, pt.pieces[:idx]...)
			newPieces = append(newPieces, repl...)
			newPieces = append(newPieces, pt.pieces[idx+1:]...)
			pt.pieces = newPieces
			// a surviving right part means the deletion ended inside this
			// piece; otherwise continue right after the kept left part
			idx += len(repl)
			offset = 0
		}

		remain -= take
		pt.length -= take
	}
}

// locate maps a logical position to (piece index, offset within piece).
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
