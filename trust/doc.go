// Package trust models devices that have already vouched for each other.
//
// A Token records two parties' identity keys and carries a signature from
// each. In trust mode the sender encrypts to the receiver's exchange key
// from the token, and both sides sign a Binding that ties the transfer to
// the token so a stolen envelope cannot be replayed under another session.
//
// Private keys stay behind the Authenticator interface. SoftwareAuthenticator
// keeps them in memory and exists for tests and headless use; platform
// implementations delegate to a secure element.
package trust
