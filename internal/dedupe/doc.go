// Package dedupe provides a time-bounded cache of recently seen frame
// keys so retransmitted worker results are acknowledged without being
// processed twice.
package dedupe
