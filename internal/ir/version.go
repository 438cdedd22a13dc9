package ir

// Version is the seqd release version.
const Version = "0.3.0"
