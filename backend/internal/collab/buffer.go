package collab

// Buffer holds a document's text. Positions and counts are in runes and are
// validated by the caller.
type Buffer interface {
	Len() int
	Insert(pos int, text string)
	Delete(pos, n int)
	String() string
}

/*
Piece table layout

Initial content "Hello world":

- original buffer: "Hello world"
- add buffer: ""
- pieces:

[ (orig, offset=0, length=11) ]

Insert " collaborative" at 5:
- " collaborative" is appended to the add buffer
- the covering piece splits in three:

[
  (orig, offset=0, length=5),       // "Hello"
  (add,  offset=0, length=14),      // " collaborative"
  (orig, offset=5, length=6),       // " world"
]
*/
