package loadbalance

import (
	"math/rand/v2"

	"vrpc/discovery"
)

type WeightedRandomBalancer struct{}

// Pick chooses a peer with probability proportional to its weight. Peers
// without a positive weight count as weight 1.
func (b *WeightedRandomBalancer) Pick(peers []discovery.Peer, _ string) (*discovery.Peer, error) {
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}

	// 计算总权重
	totalWeight := 0
	for _, p := range peers {
		totalWeight += weightOf(p)
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.IntN(totalWeight)
	for i := range peers {
		r -= weightOf(peers[i])
		if r < 0 {
			return &peers[i], nil
		}
	}
	return &peers[len(peers)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weightOf(p discovery.Peer) int {
	if p.Weight <= 0 {
		return 1
	}
	return p.Weight
}
