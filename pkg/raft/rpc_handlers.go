package raft

// registerHandlers wires this node's RPC methods into its Server. Called
// once from NewNode; the transport does not dispatch anything until Start
// calls Server.Serve.
func (n *Node) registerHandlers() {
	if n.server == nil {
		return
	}
	n.server.RegisterRequestVoteHandler(n.RequestVote)
	n.server.RegisterAppendEntriesHandler(n.AppendEntries)
	n.server.RegisterInstallSnapshotHandler(n.InstallSnapshot)
}
