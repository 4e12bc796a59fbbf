package discovery

// VerifyNodesMessage checks the structural bounds of a Nodes payload. Batch
// size is checked first; per-node address counts only when the batch size is
// acceptable. Duplicate and ordering rules are enforced by the Protocol.
func VerifyNodesMessage(nodes *Nodes) (Misbehavior, bool) {
	limit := MaxAddrToSend
	if nodes.Announce {
		limit = AnnounceThreshold
	}
	if len(nodes.Items) > limit {
		return Misbehavior{
			Kind:     TooManyItems,
			Announce: nodes.Announce,
			Length:   len(nodes.Items),
		}, true
	}

	for _, item := range nodes.Items {
		if len(item.Addrs) > MaxAddrs {
			return Misbehavior{Kind: TooManyAddresses, Length: len(item.Addrs)}, true
		}
	}

	return Misbehavior{}, false
}
