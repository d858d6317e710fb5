package asyncfs

import (
	"fmt"
)

// Kind identifies an operation, and therefore the shape of its Result.
type Kind uint8

const (
	KindClose Kind = iota + 1
	KindOpen
	KindRead
	KindWrite
	KindStat
	KindRename
	KindUnlink
	KindRmdir
	KindMkdir
	KindReaddir
)

var kindNames = [...]string{
	KindClose:   `close`,
	KindOpen:    `open`,
	KindRead:    `read`,
	KindWrite:   `write`,
	KindStat:    `stat`,
	KindRename:  `rename`,
	KindUnlink:  `unlink`,
	KindRmdir:   `rmdir`,
	KindMkdir:   `mkdir`,
	KindReaddir: `readdir`,
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != `` {
		return kindNames[k]
	}
	return fmt.Sprintf(`Kind(%d)`, uint8(k))
}
