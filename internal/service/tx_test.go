package service

import "context"

type testTxRepos struct {
	events    EventRepositoryInterface
	chunks    ChunkRepositoryInterface
	workItems WorkItemRepositoryInterface
}

func (t *testTxRepos) Events() EventRepositoryInterface {
	return t.events
}

func (t *testTxRepos) Chunks() ChunkRepositoryInterface {
	return t.chunks
}

func (t *testTxRepos) WorkItems() WorkItemRepositoryInterface {
	return t.workItems
}

type testTxRunner struct {
	repos  TxRepositories
	called bool
}

func (t *testTxRunner) WithTx(ctx context.Context, fn func(repos TxRepositories) error) error {
	t.called = true
	return fn(t.repos)
}
