package consts

// Queue entry metadata keys shared by the acceptor, the runners, the chains
// and the handlers.
const (
	MetaListID             = "listid"
	MetaToOwner            = "to_owner"
	MetaToRequest          = "to_request"
	MetaToJoin             = "to_join"
	MetaToLeave            = "to_leave"
	MetaToConfirm          = "to_confirm"
	MetaToken              = "token"
	MetaIsDigest           = "isdigest"
	MetaFastTrack          = "_fasttrack"
	MetaModerationAction   = "moderation_action"
	MetaModerationReasons  = "moderation_reasons"
	MetaModerationSender   = "moderation_sender"
	MetaModeratorApproved  = "moderator_approved"
	MetaApproved           = "approved"
	MetaDMARC              = "dmarc"
	MetaDMARCAction        = "dmarc_action"
	MetaRetriesRemaining   = "retries_remaining"
	MetaDeliverAfter       = "deliver_after"
	MetaRecipients         = "recipients"
	MetaVERP               = "verp"
	MetaWhichQ             = "whichq"
	MetaOriginalSender     = "original_sender"
	MetaOriginalSize       = "original_size"
	MetaReceivedTime       = "received_time"
	MetaPipeline           = "pipeline"
	MetaReducedListHeaders = "reduced_list_headers"
	MetaRuleHits           = "rule_hits"
	MetaRuleMisses         = "rule_misses"
	MetaEnvelopeSender     = "envsender"
	MetaBakCount           = "_bak_count"
	MetaVersion            = "version"
	MetaNoFooter           = "nodecorate"
	MetaDigestTrigger      = "digest_trigger"
	MetaPostID             = "post_id"
	MetaMailFrom           = "mail_from"
	MetaOriginalSubject    = "original_subject"
)

// Queue names.
const (
	QueueIn       = "in"
	QueueOut      = "out"
	QueuePipeline = "pipeline"
	QueueCommand  = "command"
	QueueArchive  = "archive"
	QueueDigest   = "digest"
	QueueNNTP     = "nntp"
	QueueVirgin   = "virgin"
	QueueBounces  = "bounces"
	QueueShunt    = "shunt"
	QueueBad      = "bad"
)

// Pendable types and token owners.
const (
	PendSubscription   = "subscription"
	PendUnsubscription = "unsubscription"
	PendHeldMessage    = "held message"
	PendProbe          = "probe"

	TokenOwnerNoOne      = "no_one"
	TokenOwnerSubscriber = "subscriber"
	TokenOwnerModerator  = "moderator"
)
