/*
Package executor applies corrective actions produced by reconciliation.

Each action becomes one or more steps. A step stages a storage.Mutation,
issues the matching platform command from inside the repository's confirm
hook, and commits only when the command succeeds. Removals and revocations
that the platform reports as already absent are treated as success.

Transient command failures are retried under a retry.Policy. When the
policy is exhausted the step fails with an *ActionError marked
Unrecoverable; permanent command failures and store failures are returned
as *ActionError without the flag. Store failures remain reachable through
errors.As as *storage.TxError.

AddMember is applied as a membership step followed by one grant step per
role. A failed grant leaves the membership committed.

ApplyBatch applies every action in order and collects failures without
stopping:

	res := exec.ApplyBatch(ctx, actions)
	for _, f := range res.Failed {
		log.Warn().Err(f.Err).Str("action", f.Action.String()).Msg("drift remains")
	}
*/
package executor
