/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025-2026 EspNowBus Authors. All Rights Reserved.
 */

//go:build !linux

package udpradio

import "net"

func listenReusable(port int) (*net.UDPConn, error) {
	return net.ListenUDP("udp4", &net.UDPAddr{Port: port})
}
