// Package supervisor keeps one miio device connected and its capabilities
// current.
//
// A Supervisor owns at most one live Session. It connects, polls the device
// on an interval, reconciles each fully successful poll into capability and
// store values, and recovers from failures:
//
//   - a failed connect marks the device unavailable and retries after 10s
//   - a failed poll drops the session, marks the device unavailable and
//     reconnects after one poll interval
//   - every hour the session is replaced regardless of health
//
// Each timer role (poll, reconnect, refresh) has a single slot. Arming a
// slot stops whatever it held, so at most one timer per role is pending.
// Results of calls that complete after the session was replaced or the
// supervisor was deleted are discarded.
package supervisor
