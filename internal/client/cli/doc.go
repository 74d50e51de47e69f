// Package cli is the interactive chat client. It prompts for credentials,
// connects to the relay over TLS and runs a read-eval-print loop for the
// chat commands while inbound traffic is printed as it arrives.
//
// Commands
//
//	list                 show who is online
//	chat <peer>          negotiate a secure channel with a peer
//	send <peer> <text>   send an encrypted message
//	burn <peer> <text>   send a message the peer sees once and never stores
//	image <peer> <path>  send an image file
//	history <peer>       print the stored conversation
//	all <text>           send a plaintext message to everyone
//	exit | quit          leave the program
package cli
