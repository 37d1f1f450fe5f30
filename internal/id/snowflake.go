package id

import (
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Init sets the Snowflake node for this process. Only the first call has
// an effect; servers sharing a database need distinct node ids.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// NewInt returns a time-ordered unique id. Falls back to node 0 when Init
// was never called.
func NewInt() int64 {
	if err := Init(0); err != nil {
		panic(err)
	}
	return node.Generate().Int64()
}

// New returns NewInt in decimal form, which is how ids travel in JSON.
func New() string {
	return strconv.FormatInt(NewInt(), 10)
}
