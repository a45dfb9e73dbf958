package gen

import (
	"appbench-orchestrator/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("gen", fx.Provide(ProvideNode))

type SnowflakeNode struct {
	node *snowflake.Node
}

func NewSnowflakeNode(nodeID int64) (*SnowflakeNode, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, err
	}
	return &SnowflakeNode{node: node}, nil
}

func ProvideNode(cfg *config.Config) (*SnowflakeNode, error) {
	return NewSnowflakeNode(cfg.Orchestrator.NodeID)
}

func (s *SnowflakeNode) GenerateID() snowflake.ID {
	return s.node.Generate()
}

// Next returns a new time-ordered id in decimal form.
func (s *SnowflakeNode) Next() string {
	return s.node.Generate().String()
}
