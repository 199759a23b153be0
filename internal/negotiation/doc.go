// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package negotiation implements the multi-agent negotiation engine
(C8): a session state machine that carries a proposal through
initiated -> in_progress -> {resolved, failed, deadlock}, with any
state falling to timeout once the session's wall-clock budget is
spent.

Initiate opens a session with a first proposal. Respond records one
participant's reply; once every non-proposing participant has replied
to the current proposal, the engine tallies the round: unanimous
acceptance resolves the session, a reject majority with no counters
fails the session, any other round with at least one counter-proposal
starts a new round around the most viable counter, and a mixed round
without counters falls to one broker-mediated compromise attempt
before giving up as a deadlock. A resolved or failed session updates
each participant's reputation via Engine's agent negotiation
profiles; timeout and deadlock leave reputations unchanged.
*/
package negotiation
