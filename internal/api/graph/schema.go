package graph

const schemaString = `
type Vote {
  participantId: String!
  value: String!
  votedAt: String!
}

type Scores {
  creator: Int!
  opponent: Int!
}

type VoteState {
  battleId: String!
  creatorId: String!
  opponentId: String
  status: String!
  votes: [Vote!]!
  votingStartedAt: String!
  voteDeadlineAt: String!
  winnerId: String
  resolution: String
  completedAt: String
  updatedAt: String!
}

type InitializeVotingResult {
  success: Boolean!
  error: String
  alreadyInitialized: Boolean!
}

type CastVoteResult {
  success: Boolean!
  error: String
  alreadyProcessed: Boolean!
  battleComplete: Boolean!
  winnerId: String
  finalScore: Scores
}

input CastVoteInput {
  eventId: String!
  battleId: String!
  participantId: String!
  value: String!
}

type Query {
  # Null until voting has been initialized for the battle.
  voteState(battleId: String!): VoteState
}

type Mutation {
  initializeVoting(eventId: String!, battleId: String!, creatorId: String!, opponentId: String!): InitializeVotingResult!
  castVote(input: CastVoteInput!): CastVoteResult!
}

schema {
  query: Query
  mutation: Mutation
}
`
